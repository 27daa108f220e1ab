package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/grafixsolutions/portal/internal/telemetry/metrics"
	"github.com/grafixsolutions/portal/pkg"

	"github.com/go-redis/redis_rate/v9"
	log "github.com/sirupsen/logrus"
)

type RequestRateLimiter interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// RateLimit caps attempts per client IP on the given route within a
// sliding window. Limiter backend failures answer 500, they never let
// the request through unchecked.
func RateLimit(
	rateLimiter RequestRateLimiter,
	routerName string,
	allowed int,
	window time.Duration,
	metricsManager *metrics.Manager,
) func(next http.Handler) http.Handler {
	limit := redis_rate.Limit{
		Rate:   allowed,
		Burst:  allowed,
		Period: window,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			userIP, err := pkg.ReadUserIP(r)
			if err != nil {
				log.Errorf("rate limit [%s], read user ip: %s", routerName, err)
				userIP = "unknown"
			}

			res, err := rateLimiter.Allow(
				r.Context(),
				routerName+"::"+userIP,
				limit,
			)
			if err != nil {
				http.Error(w, "rate limit internal error", http.StatusInternalServerError)
				return
			}

			if res.Allowed > 0 {
				next.ServeHTTP(w, r)
				return
			}

			metricsManager.CounterRateLimitedRequests.Inc()
			log.Warnf("rate limit [%s] reached for %s, retry after %s", routerName, userIP, res.RetryAfter)

			w.Header().Set("Retry-After", strconv.FormatInt(int64(res.RetryAfter.Seconds()), 10))
			pkg.WriteJSONResponse(
				w,
				http.StatusTooManyRequests,
				[]byte(`{"success":false,"message":"too many attempts, please try again later"}`),
			)
		})
	}
}
