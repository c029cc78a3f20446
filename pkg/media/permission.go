package media

import (
	"context"

	"github.com/pkg/errors"
)

// ErrPermissionDenied - платформа отказала в доступе к устройству
var ErrPermissionDenied = errors.New("device permission denied")

// Permission - разрешение платформы на доступ к устройству
type Permission string

const (
	PermissionMicrophone Permission = "microphone"
	PermissionCamera     Permission = "camera"
)

// PermissionChecker опрашивает платформу о разрешении на доступ к
// устройству. Проверка выполняется до какого-либо захвата или установления
// соединения: отказ означает, что сессия не стартует вовсе.
type PermissionChecker interface {
	Check(ctx context.Context, perm Permission) error
}

// PermissionFunc - адаптер функции к PermissionChecker
type PermissionFunc func(ctx context.Context, perm Permission) error

func (f PermissionFunc) Check(ctx context.Context, perm Permission) error {
	return f(ctx, perm)
}

// AllowAll - проверяльщик, разрешающий все. Для окружений без
// системы разрешений (сервер, CLI).
func AllowAll() PermissionChecker {
	return PermissionFunc(func(context.Context, Permission) error {
		return nil
	})
}
