package benchmark

import (
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"linkchess/configs"
)

// TestLoad points the generator at a running server and runs one
// measurement window.
func TestLoad(target string) {
	st := LoadStmt{}
	if target != "" {
		configs.BenchTarget = strings.TrimSuffix(target, "/")
	}
	st.LoadTest()
	st.Stop()
}

func wsTarget() string {
	return strings.Replace(configs.BenchTarget, "http", "ws", 1) + "/ws"
}

// jitter spreads the think time uniformly between half and three halves
// of d so the bots do not move in lockstep.
func jitter(r *rand.Rand, d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(int64(d)/2 + r.Int63n(int64(d)))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
