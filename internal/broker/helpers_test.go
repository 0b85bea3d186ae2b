package broker

import (
	"time"

	"github.com/redis/go-redis/v9"

	logx "github.com/faiyaz032/notivox/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

func redisZ(member string, at time.Time) redis.Z {
	return redis.Z{Score: float64(at.UnixMilli()), Member: member}
}
