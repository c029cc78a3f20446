package media

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrDeviceBusy - устройства захвата уже арендованы другой сессией
var ErrDeviceBusy = errors.New("capture devices busy")

// DeviceLease - эксклюзивная аренда локальных устройств захвата.
//
// Камера и микрофон процесса в один момент времени принадлежат не более
// чем одной сессии: вызов и интерком конкурируют за одну аренду и обязаны
// делить один экземпляр DeviceLease. Захват fail-fast: если устройства
// заняты, TryAcquire сразу возвращает ErrDeviceBusy, без ожидания.
type DeviceLease struct {
	mu     sync.Mutex
	holder string
}

// NewDeviceLease создает свободную аренду
func NewDeviceLease() *DeviceLease {
	return &DeviceLease{}
}

// TryAcquire пытается захватить устройства для владельца holder.
// Возвращает ErrDeviceBusy, если устройства уже захвачены, в том числе
// этим же владельцем.
func (l *DeviceLease) TryAcquire(holder string) error {
	if holder == "" {
		return errors.New("lease holder is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" {
		return errors.Wrapf(ErrDeviceBusy, "held by %s", l.holder)
	}
	l.holder = holder
	return nil
}

// Release освобождает аренду. Чужую аренду освободить нельзя:
// освобождение с неверным владельцем игнорируется.
func (l *DeviceLease) Release(holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == holder {
		l.holder = ""
	}
}

// Holder возвращает текущего владельца аренды, пустая строка - свободна
func (l *DeviceLease) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
