package storage

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memoryKV is the embedded hot store for single-process deployments and
// tests. One mutex guards every map, which also makes the Eval* scripts
// atomic for free. Expiry is lazy: keys are reaped when touched.
type memoryKV struct {
	mu     sync.Mutex
	nowFn  func() time.Time
	hashes map[string]map[string]string
	lists  map[string][]string
	zsets  map[string]map[string]float64
	sets   map[string]map[string]struct{}
	strs   map[string]string
	expiry map[string]time.Time
}

func NewMemoryKV() KV {
	return &memoryKV{
		nowFn:  time.Now,
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		zsets:  make(map[string]map[string]float64),
		sets:   make(map[string]map[string]struct{}),
		strs:   make(map[string]string),
		expiry: make(map[string]time.Time),
	}
}

func (m *memoryKV) reapLocked(key string) {
	deadline, ok := m.expiry[key]
	if !ok || m.nowFn().Before(deadline) {
		return
	}
	m.dropLocked(key)
}

func (m *memoryKV) dropLocked(key string) {
	delete(m.hashes, key)
	delete(m.lists, key)
	delete(m.zsets, key)
	delete(m.sets, key)
	delete(m.strs, key)
	delete(m.expiry, key)
}

func (m *memoryKV) existsLocked(key string) bool {
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.lists[key]; ok {
		return true
	}
	if _, ok := m.zsets[key]; ok {
		return true
	}
	if _, ok := m.sets[key]; ok {
		return true
	}
	_, ok := m.strs[key]
	return ok
}

func (m *memoryKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *memoryKV) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (m *memoryKV) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.dropLocked(k)
	}
	return nil
}

func (m *memoryKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	if m.existsLocked(key) {
		m.expiry[key] = m.nowFn().Add(ttl)
	}
	return nil
}

func (m *memoryKV) RPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

// normalizeRange maps redis-style start/stop (negative counts from the
// tail, stop is inclusive) onto slice bounds.
func normalizeRange(n, start, stop int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func (m *memoryKV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	l := m.lists[key]
	start, stop = normalizeRange(int64(len(l)), start, stop)
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (m *memoryKV) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	return int64(len(m.lists[key])), nil
}

func (m *memoryKV) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	l := m.lists[key]
	start, stop = normalizeRange(int64(len(l)), start, stop)
	if start > stop {
		delete(m.lists, key)
		return nil
	}
	kept := make([]string, stop-start+1)
	copy(kept, l[start:stop+1])
	m.lists[key] = kept
	return nil
}

func (m *memoryKV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *memoryKV) ZRem(ctx context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	if z, ok := m.zsets[key]; ok {
		delete(z, member)
		if len(z) == 0 {
			delete(m.zsets, key)
		}
	}
	return nil
}

func (m *memoryKV) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	z := m.zsets[key]
	members := make([]string, 0, len(z))
	for mem := range z {
		members = append(members, mem)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := z[members[i]], z[members[j]]
		if si != sj {
			return si > sj
		}
		return members[i] > members[j]
	})
	start, stop = normalizeRange(int64(len(members)), start, stop)
	if start > stop {
		return nil, nil
	}
	return members[start : stop+1], nil
}

func (m *memoryKV) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	return int64(len(m.zsets[key])), nil
}

func (m *memoryKV) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	score, ok := m.zsets[key][member]
	return score, ok, nil
}

func (m *memoryKV) SAdd(ctx context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *memoryKV) SRem(ctx context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	if s, ok := m.sets[key]; ok {
		delete(s, member)
		if len(s) == 0 {
			delete(m.sets, key)
		}
	}
	return nil
}

func (m *memoryKV) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	return int64(len(m.sets[key])), nil
}

func (m *memoryKV) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	cur, _ := strconv.ParseInt(m.strs[key], 10, 64)
	cur += delta
	m.strs[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *memoryKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	v, ok := m.strs[key]
	return v, ok, nil
}

func (m *memoryKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strs[key] = value
	if ttl > 0 {
		m.expiry[key] = m.nowFn().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

// matchPattern supports the exact-match and trailing-star forms used by
// the room sweeper; full glob syntax is not needed here.
func matchPattern(pattern, key string) bool {
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return strings.HasPrefix(key, pattern[:i])
	}
	return pattern == key
}

func (m *memoryKV) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0)
	collect := func(k string) {
		if matchPattern(match, k) {
			keys = append(keys, k)
		}
	}
	for k := range m.hashes {
		collect(k)
	}
	for k := range m.lists {
		collect(k)
	}
	for k := range m.zsets {
		collect(k)
	}
	for k := range m.sets {
		collect(k)
	}
	for k := range m.strs {
		collect(k)
	}
	sort.Strings(keys)
	live := keys[:0]
	for _, k := range keys {
		m.reapLocked(k)
		if m.existsLocked(k) {
			live = append(live, k)
		}
	}
	// single page; callers treat cursor 0 as exhaustion
	return live, 0, nil
}

func (m *memoryKV) EvalJoin(ctx context.Context, a JoinArgs) (JoinReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(a.GameKey)
	m.reapLocked(a.SeatsKey)
	g, ok := m.hashes[a.GameKey]
	if !ok {
		return JoinReply{Code: JoinNotFound}, nil
	}
	if g["status"] != string(StatusWaiting) {
		return JoinReply{Code: JoinNotWaiting}, nil
	}
	seats, ok := m.hashes[a.SeatsKey]
	if !ok {
		seats = make(map[string]string)
		m.hashes[a.SeatsKey] = seats
	}
	if seats["blackToken"] != "" {
		return JoinReply{Code: JoinAlreadyFull}, nil
	}
	swap := g["creatorColor"] == "black" || (g["creatorColor"] == "random" && a.Flip)
	joiner := Black
	if swap {
		seats["blackToken"] = seats["whiteToken"]
		seats["whiteToken"] = a.NewToken
		joiner = White
	} else {
		seats["blackToken"] = a.NewToken
	}
	g["status"] = string(StatusInProgress)
	if init, _ := strconv.ParseInt(g["timeInitialMs"], 10, 64); init > 0 {
		g["whiteTimeMs"] = strconv.FormatInt(init, 10)
		g["blackTimeMs"] = strconv.FormatInt(init, 10)
		g["lastMoveAt"] = strconv.FormatInt(a.NowMs, 10)
	}
	deadline := m.nowFn().Add(a.TTL)
	m.expiry[a.GameKey] = deadline
	m.expiry[a.SeatsKey] = deadline
	return JoinReply{Code: JoinOK, JoinerColor: joiner}, nil
}

func (m *memoryKV) EvalDeductTime(ctx context.Context, a DeductArgs) (DeductReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(a.GameKey)
	g, ok := m.hashes[a.GameKey]
	if !ok {
		return DeductReply{Code: DeductNotFound}, nil
	}
	if g["status"] != string(StatusInProgress) {
		return DeductReply{Code: DeductNotInProgress}, nil
	}
	var newBalance int64
	if a.Timed {
		field := "blackTimeMs"
		if a.Mover == White {
			field = "whiteTimeMs"
		}
		balance, _ := strconv.ParseInt(g[field], 10, 64)
		last, _ := strconv.ParseInt(g["lastMoveAt"], 10, 64)
		remaining := balance
		if last > 0 {
			remaining = balance - (a.NowMs - last)
		}
		if remaining <= 0 {
			g[field] = "0"
			return DeductReply{Code: DeductTimedOut}, nil
		}
		inc, _ := strconv.ParseInt(g["timeIncrementMs"], 10, 64)
		newBalance = remaining + inc
		g[field] = strconv.FormatInt(newBalance, 10)
		g["lastMoveAt"] = strconv.FormatInt(a.NowMs, 10)
	}
	n := len(m.lists[a.MovesKey]) + 1
	entry := MoveEntry{MoveNumber: n, San: a.San, Fen: a.Fen, CreatedAtMs: a.NowMs}
	m.lists[a.MovesKey] = append(m.lists[a.MovesKey], entry.Encode())
	g["currentFen"] = a.Fen
	deadline := m.nowFn().Add(a.TTL)
	m.expiry[a.GameKey] = deadline
	m.expiry[a.MovesKey] = deadline
	return DeductReply{Code: DeductOK, NewBalanceMs: newBalance, MoveNumber: n}, nil
}

func (m *memoryKV) EvalClaimWin(ctx context.Context, a ClaimArgs) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(a.GameKey)
	m.reapLocked(a.TimerKey)
	g, ok := m.hashes[a.GameKey]
	if !ok {
		return ClaimNotFound, nil
	}
	if g["status"] != string(StatusInProgress) {
		return ClaimNotInProgress, nil
	}
	raw, ok := m.strs[a.TimerKey]
	if !ok {
		return ClaimNoTimer, nil
	}
	timer, err := DecodeTimer(raw)
	if err != nil {
		return ClaimNoTimer, nil
	}
	if a.Claimant != OpponentOf(timer.DisconnectedColor) {
		return ClaimNotOpponent, nil
	}
	if a.NowMs < timer.DeadlineMs {
		return ClaimTooEarly, nil
	}
	seats := m.hashes[a.SeatsKey]
	bit := "whiteConnected"
	if timer.DisconnectedColor == Black {
		bit = "blackConnected"
	}
	if seats[bit] == "1" {
		return ClaimReconnected, nil
	}
	g["status"] = string(StatusAbandoned)
	g["result"] = string(WinFor(a.Claimant))
	delete(m.strs, a.TimerKey)
	delete(m.expiry, a.TimerKey)
	deadline := m.nowFn().Add(a.TTL)
	m.expiry[a.GameKey] = deadline
	m.expiry[a.SeatsKey] = deadline
	return ClaimOK, nil
}

func (m *memoryKV) EvalRateLimit(ctx context.Context, a RateArgs) (RateReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(a.Key)
	cur, _ := strconv.ParseInt(m.strs[a.Key], 10, 64)
	cur++
	m.strs[a.Key] = strconv.FormatInt(cur, 10)
	if cur == 1 {
		m.expiry[a.Key] = m.nowFn().Add(a.Window)
	}
	deadline, ok := m.expiry[a.Key]
	if !ok {
		deadline = m.nowFn().Add(a.Window)
		m.expiry[a.Key] = deadline
	}
	retry := deadline.Sub(m.nowFn())
	if cur > int64(a.Max) {
		return RateReply{Allowed: false, Remaining: 0, RetryAfter: retry}, nil
	}
	return RateReply{Allowed: true, Remaining: a.Max - int(cur), RetryAfter: retry}, nil
}

func (m *memoryKV) Ping(ctx context.Context) error { return nil }

func (m *memoryKV) Close() error { return nil }
