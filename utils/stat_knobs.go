package utils

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Info records one finished load-generator operation.
type Info struct {
	Op       string
	OK       bool
	GameOver bool
	Latency  time.Duration
}

func NewInfo(op string) *Info {
	return &Info{Op: op, OK: true}
}

// Stat collects operation reports from all bot goroutines and prints
// them as one "key:value;" line per measurement window.
type Stat struct {
	mu        *sync.Mutex
	infos     []*Info
	begin     int
	beginTime time.Time
	endTime   time.Time
}

func NewStat() *Stat {
	res := &Stat{
		mu:        &sync.Mutex{},
		infos:     make([]*Info, 0, 1<<16),
		beginTime: time.Now(),
		endTime:   time.Now(),
	}
	return res
}

func (st *Stat) Append(info *Info) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.infos = append(st.infos, info)
	st.endTime = time.Now()
}

// Span reports how long the current window has been collecting.
func (st *Stat) Span() time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.endTime.Sub(st.beginTime)
}

func (st *Stat) Log() {
	st.mu.Lock()
	defer st.mu.Unlock()
	opCnt := make(map[string]int)
	moveCnt, errCnt, finished := 0, 0, 0
	latencySum := 0
	latencies := make([]int, 0, len(st.infos)-st.begin)
	for i := st.begin; i < len(st.infos); i++ {
		tmp := st.infos[i]
		if tmp == nil {
			continue
		}
		opCnt[tmp.Op]++
		if tmp.Op == "move" {
			moveCnt++
		}
		if !tmp.OK {
			errCnt++
		}
		if tmp.GameOver {
			finished++
		}
		if tmp.Latency > 0 {
			latencySum += int(tmp.Latency)
			latencies = append(latencies, int(tmp.Latency))
		}
	}
	elapsed := st.endTime.Sub(st.beginTime).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	ops := make([]string, 0, len(opCnt))
	for op := range opCnt {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	msg := ""
	for _, op := range ops {
		msg += op + "_cnt:" + strconv.Itoa(opCnt[op]) + ";"
	}
	msg += "errors:" + strconv.Itoa(errCnt) + ";"
	msg += "games_finished:" + strconv.Itoa(finished) + ";"
	msg += "moves_per_sec:" + fmt.Sprintf("%.1f", float64(moveCnt)/elapsed) + ";"
	sort.Ints(latencies)
	if len(latencies) > 0 {
		i := Min((len(latencies)*99+99)/100, len(latencies)-1)
		msg += "p99_latency:" + time.Duration(time.Duration(latencies[i]).Nanoseconds()).String() + ";"
		i = Min((len(latencies)*9+9)/10, len(latencies)-1)
		msg += "p90_latency:" + time.Duration(time.Duration(latencies[i]).Nanoseconds()).String() + ";"
		i = Min((len(latencies)+1)/2, len(latencies)-1)
		msg += "p50_latency:" + time.Duration(time.Duration(latencies[i]).Nanoseconds()).String() + ";"
		msg += "ave_latency:" + time.Duration(time.Duration(float64(latencySum)/float64(len(latencies))).Nanoseconds()).String() + ";"
	} else {
		msg += "p99_latency:nil;"
		msg += "p90_latency:nil;"
		msg += "p50_latency:nil;"
		msg += "ave_latency:nil;"
	}
	fmt.Println(msg)
}

func (st *Stat) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.begin = len(st.infos)
	st.beginTime = time.Now()
}
