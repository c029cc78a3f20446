//go:build windows

package signaling

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// dscpSignaling - DSCP класс для сигнального трафика (CS3, RFC 4594)
const dscpSignaling = 24

// tuneSocketControl настраивает TCP сокет сигнального канала (Windows).
// Все настройки best-effort.
func tuneSocketControl(network, address string, rc syscall.RawConn) error {
	return rc.Control(func(fd uintptr) {
		handle := syscall.Handle(fd)

		// Отключаем алгоритм Nagle для снижения latency
		syscall.SetsockoptInt(handle, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)

		// Keepalive для обнаружения разрывов соединения
		syscall.SetsockoptInt(handle, syscall.SOL_SOCKET, syscall.SO_KEEPALIVE, 1)

		// Умеренные буферы: сигнальные сообщения маленькие, большие буферы
		// только прячут проблемы с задержкой
		if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_RCVBUF, 64*1024); err != nil {
			// Не критично, игнорируем
		}
		if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_SNDBUF, 64*1024); err != nil {
			// Не критично, игнорируем
		}

		// Windows часто требует административных прав для QoS маркировки,
		// ошибку игнорируем
		tos := dscpSignaling << 2
		if err := syscall.SetsockoptInt(handle, syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
			return
		}
		syscall.SetsockoptInt(handle, syscall.IPPROTO_IPV6, windows.IPV6_TCLASS, tos)
	})
}
