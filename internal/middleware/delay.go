package middleware

import "time"

// RejectionDelay 在认证失败后等待 d 再返回, 拖慢在线暴力破解.
// d <= 0 时不做任何包装.
func RejectionDelay(d time.Duration) MiddlewareFunc {
	return rejectionDelay(d, time.Sleep)
}

func rejectionDelay(d time.Duration, sleep func(time.Duration)) MiddlewareFunc {
	if d <= 0 {
		return nil
	}
	return func(next AuthHandlerFunc) AuthHandlerFunc {
		return func(ctx *AuthContext) (*Permissions, error) {
			perms, err := next(ctx)
			if err != nil || perms == nil {
				sleep(d)
			}
			return perms, err
		}
	}
}
