// Package call реализует сессию вызовов: машину состояний жизненного цикла
// вызова поверх сигнального канала и движка медиа переговоров.
//
// Сессия создается один раз на процесс и перерабатывается между вызовами,
// не более одного вызова одновременно. Роли сторон симметричны: инициатор
// готовит и шлет offer, отвечающая сторона принимает его - в том числе
// пришедший раньше готовности собственных медиа (однослотовый буфер
// отложенного offer).
//
// Конкурентная модель - одна горутина-владелец: все внешние воздействия
// становятся событиями одной очереди и обрабатываются по одному, состояние
// не защищается ничем кроме порядка обработки. Асинхронные работы помечены
// эпохой вызова: завершение работы умершего вызова - пустая операция.
package call
