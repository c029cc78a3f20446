//go:build darwin

package signaling

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// dscpSignaling - DSCP класс для сигнального трафика (CS3, RFC 4594)
const dscpSignaling = 24

// tuneSocketControl настраивает TCP сокет сигнального канала (macOS).
// Все настройки best-effort.
func tuneSocketControl(network, address string, rc syscall.RawConn) error {
	return rc.Control(func(fd uintptr) {
		s := int(fd)

		// Отключаем алгоритм Nagle для минимизации задержки
		syscall.SetsockoptInt(s, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)

		// Keepalive для обнаружения разрывов соединения
		syscall.SetsockoptInt(s, syscall.SOL_SOCKET, syscall.SO_KEEPALIVE, 1)

		// macOS-специфично: SO_NOSIGPIPE для предотвращения SIGPIPE
		if err := syscall.SetsockoptInt(s, syscall.SOL_SOCKET, unix.SO_NOSIGPIPE, 1); err != nil {
			// Не критично, игнорируем
		}

		// DSCP маркировка: macOS может требовать root привилегии для
		// некоторых TOS значений, ошибку игнорируем
		tos := dscpSignaling << 2
		syscall.SetsockoptInt(s, syscall.IPPROTO_IP, syscall.IP_TOS, tos)
		syscall.SetsockoptInt(s, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

		// Современный подход macOS к QoS: traffic class на уровне сокета.
		// SO_TC_RD (responsive data) подходит для интерактивной сигнализации.
		const (
			SO_TRAFFIC_CLASS = 0x1001 // macOS socket option
			SO_TC_RD         = 5      // Responsive Data
		)
		syscall.SetsockoptInt(s, syscall.SOL_SOCKET, SO_TRAFFIC_CLASS, SO_TC_RD)
	})
}
