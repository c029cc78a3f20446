//go:build linux

package signaling

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// dscpSignaling - DSCP класс для сигнального трафика.
// CS3 (24) - стандартная маркировка сигнализации вызовов (RFC 4594)
const dscpSignaling = 24

// tuneSocketControl настраивает TCP сокет сигнального канала до установления
// соединения. Передается в net.Dialer.Control.
//
// Все настройки best-effort: контейнеры и урезанные окружения могут запрещать
// отдельные опции, для работы канала они не обязательны.
func tuneSocketControl(network, address string, rc syscall.RawConn) error {
	return rc.Control(func(fd uintptr) {
		s := int(fd)

		// Отключаем алгоритм Nagle: сигнальные сообщения маленькие и
		// чувствительны к задержке
		syscall.SetsockoptInt(s, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)

		// Keepalive для обнаружения молчаливых разрывов соединения
		syscall.SetsockoptInt(s, syscall.SOL_SOCKET, syscall.SO_KEEPALIVE, 1)

		// Высокий приоритет сокета для интерактивного трафика
		if err := syscall.SetsockoptInt(s, syscall.SOL_SOCKET, unix.SO_PRIORITY, 6); err != nil {
			// Игнорируем ошибку если система не поддерживает (контейнеры, etc.)
		}

		// DSCP маркировка: старшие 6 бит TOS поля
		tos := dscpSignaling << 2
		if err := syscall.SetsockoptInt(s, syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
			// В некоторых Linux контейнерах могут быть ограничения
		}
		syscall.SetsockoptInt(s, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	})
}
