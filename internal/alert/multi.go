package alert

import (
	"context"
	"errors"

	"github.com/hitoshi/fasttrack/internal/timer"
)

// MultiNotifier は複数の通知先へ同じ通知を送る。
type MultiNotifier []timer.Notifier

// compile-time interface check
var _ timer.Notifier = MultiNotifier(nil)

// RequestPermission はいずれかの通知先で許可されていれば許可済みを返す。
// どの通知先でも許可されなかった場合は最初のエラー、または拒否を返す。
func (m MultiNotifier) RequestPermission(ctx context.Context) (timer.Permission, error) {
	result := timer.PermissionDefault
	var errs []error
	for _, n := range m {
		p, err := n.RequestPermission(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch p {
		case timer.PermissionGranted:
			return p, nil
		case timer.PermissionDenied:
			result = p
		}
	}
	if len(errs) > 0 && result == timer.PermissionDefault {
		return result, errs[0]
	}
	return result, nil
}

// Show はすべての通知先へ通知を送る。一部が失敗しても残りには送る。
func (m MultiNotifier) Show(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Show(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
