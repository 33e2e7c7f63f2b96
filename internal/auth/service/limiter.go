package service

import (
	"context"
	"strconv"
	"time"

	"vdesk/internal/common/cache"
	pkgerrors "vdesk/pkg/errors"
	"vdesk/pkg/utils/logger"

	"go.uber.org/zap"
)

const loginFailKeyPrefix = "vdesk:login:fail:"

// loginThrottle counts failed logins per subject in a fixed window that
// starts at the first failure. A subject over the limit is refused before
// its password is checked. Counter errors fail open.
type loginThrottle struct {
	counters cache.BasicOps
	limit    int
	window   time.Duration
}

func newLoginThrottle(counters cache.BasicOps, limit int, window time.Duration) *loginThrottle {
	if counters == nil || limit <= 0 {
		return nil
	}
	return &loginThrottle{counters: counters, limit: limit, window: window}
}

// loginSubjects names the counters one attempt is charged to.
func loginSubjects(username, ip string) []string {
	subjects := []string{"username:" + username}
	if ip != "" {
		subjects = append(subjects, "ip:"+ip)
	}
	return subjects
}

func (t *loginThrottle) Allow(ctx context.Context, subjects []string) error {
	if t == nil {
		return nil
	}
	for _, subject := range subjects {
		if t.count(ctx, subject) >= t.limit {
			logger.Warn(ctx, "login throttled", zap.String("subject", subject))
			return pkgerrors.New(pkgerrors.TooManyRequests).WithDetail("retry_within", t.window.String())
		}
	}
	return nil
}

func (t *loginThrottle) Fail(ctx context.Context, subjects []string) {
	if t == nil {
		return
	}
	for _, subject := range subjects {
		key := loginFailKeyPrefix + subject
		n, err := t.counters.Incr(ctx, key)
		if err != nil {
			logger.Warn(ctx, "count login failure failed", zap.String("subject", subject), zap.Error(err))
			continue
		}
		if n == 1 {
			if err := t.counters.Expire(ctx, key, t.window); err != nil {
				logger.Warn(ctx, "arm login failure window failed", zap.String("subject", subject), zap.Error(err))
			}
		}
	}
}

func (t *loginThrottle) Reset(ctx context.Context, subjects []string) {
	if t == nil {
		return
	}
	keys := make([]string, len(subjects))
	for i, subject := range subjects {
		keys[i] = loginFailKeyPrefix + subject
	}
	if err := t.counters.Del(ctx, keys...); err != nil {
		logger.Warn(ctx, "reset login failures failed", zap.Error(err))
	}
}

func (t *loginThrottle) count(ctx context.Context, subject string) int {
	value, err := t.counters.Get(ctx, loginFailKeyPrefix+subject)
	if err != nil || value == "" {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}
