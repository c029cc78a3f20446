// Package media определяет границы медиа возможностей для ядра вызовов.
//
// Ядро вызовов не знает, чем именно ведутся переговоры о соединении и откуда
// берется звук: оно работает через два узких интерфейса.
//
//   - NegotiationEngine - переговоры о медиа соединении (SDP, ICE кандидаты,
//     состояние транспорта, дорожки). Один экземпляр на один вызов.
//   - AudioDuplexEngine - двусторонний покадровый звук для интеркома.
//
// Помимо интерфейсов пакет содержит DeviceLease - эксклюзивную аренду
// локальных устройств захвата: камера и микрофон процесса принадлежат
// не более чем одной сессии одновременно.
package media
