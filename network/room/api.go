package room

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"linkchess/configs"
	"linkchess/rules"
	"linkchess/session"
	"linkchess/storage"
	"linkchess/utils"
)

// lobbyListLimit caps the public lobby response.
const lobbyListLimit = 50

// API is the HTTP collaborator surface around the websocket protocol:
// room creation and seating, the public lobby, archive browsing, PGN
// export, health, and the upgrade endpoint itself.
type API struct {
	engine     *session.Engine
	store      *session.Store
	hub        *Hub
	dispatcher *Dispatcher
	kv         storage.KV
	archive    storage.Archive
	upgrader   websocket.Upgrader
}

func NewAPI(engine *session.Engine, hub *Hub, kv storage.KV, archive storage.Archive) *API {
	return &API{
		engine:     engine,
		store:      engine.Store(),
		hub:        hub,
		dispatcher: NewDispatcher(hub),
		kv:         kv,
		archive:    archive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2 * configs.MaxFrameBytes,
			WriteBufferSize: 2 * configs.MaxFrameBytes,
			CheckOrigin:     originAllowed,
		},
	}
}

// Router wires the full route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.HandleFunc("/games", a.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/games/public", a.handlePublic).Methods(http.MethodGet)
	r.HandleFunc("/games/archive", a.handleArchive).Methods(http.MethodGet)
	r.HandleFunc("/games/{id}/join", a.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/games/{id}/claim", a.handleClaim).Methods(http.MethodPost)
	r.HandleFunc("/games/{id}/pgn", a.handlePGN).Methods(http.MethodGet)
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", a.handleWS).Methods(http.MethodGet)
	return r
}

type createRequest struct {
	IsPublic        bool   `json:"isPublic"`
	CreatorColor    string `json:"creatorColor"`
	TimeInitialMs   int64  `json:"timeInitialMs"`
	TimeIncrementMs int64  `json:"timeIncrementMs"`
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	verdict, err := a.store.RateLimit(ctx, "create", ip, configs.RateLimitGameCreateMax, configs.RateLimitGameCreateWindow)
	if err != nil {
		writeError(w, err)
		return
	}
	if !verdict.Allowed {
		writeRateLimited(w, verdict.RetryAfter)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, utils.E(utils.Validation, "Malformed request body"))
		return
	}

	created, err := a.engine.CreateGame(ctx, session.CreateParams{
		IsPublic:        req.IsPublic,
		CreatorColor:    req.CreatorColor,
		CreatorIP:       ip,
		TimeInitialMs:   req.TimeInitialMs,
		TimeIncrementMs: req.TimeIncrementMs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	setTokenCookie(w, created.GameID, created.Token)
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":    created.GameID,
		"token": created.Token,
	})
}

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	if !utils.IsCanonicalUUID(id) {
		writeError(w, utils.ErrGameNotFound)
		return
	}

	// a player who already holds a seat keeps it
	if token := cookieToken(r, id); token != "" {
		seats, err := a.store.GetSeats(ctx, id)
		if err != nil {
			writeError(w, err)
			return
		}
		if seats != nil && seats.RoleOf(token) != storage.NoColor {
			writeJSON(w, http.StatusOK, map[string]string{"role": "existing"})
			return
		}
	}

	res, err := a.engine.JoinGame(ctx, id)
	switch {
	case err == nil:
		setTokenCookie(w, id, res.Token)
		a.hub.OnGameJoined(ctx, id)
		writeJSON(w, http.StatusOK, map[string]string{"role": string(res.Role)})
	case utils.KindOf(err) == utils.NotFound:
		writeError(w, err)
	case err == utils.ErrAlreadyFull || err == utils.ErrNotWaiting:
		// the room exists but has no seat left; the caller can still watch
		writeJSON(w, http.StatusOK, map[string]string{"role": "spectator"})
	default:
		writeError(w, err)
	}
}

type claimRequest struct {
	Token string `json:"token"`
}

// handleClaim turns a token the client already owns (a rematch landing
// hands tokens over the socket) into the httpOnly cookie the websocket
// handshake reads.
func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	if !utils.IsCanonicalUUID(id) {
		writeError(w, utils.ErrGameNotFound)
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, utils.E(utils.Validation, "Missing token"))
		return
	}
	seats, err := a.store.GetSeats(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if seats == nil {
		writeError(w, utils.ErrGameNotFound)
		return
	}
	role := seats.RoleOf(req.Token)
	if role == storage.NoColor {
		writeError(w, utils.ErrBadToken)
		return
	}
	setTokenCookie(w, id, req.Token)
	writeJSON(w, http.StatusOK, map[string]string{"role": string(role)})
}

func (a *API) handlePublic(w http.ResponseWriter, r *http.Request) {
	games, err := a.store.ListPublicGames(r.Context(), lobbyListLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	if games == nil {
		games = []session.PublicGame{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"games": games})
}

// archiveRow is an archived game without its seat tokens and move log.
type archiveRow struct {
	ID              string             `json:"id"`
	Status          storage.GameStatus `json:"status"`
	Result          storage.GameResult `json:"result"`
	IsPublic        bool               `json:"isPublic"`
	TimeInitialMs   int64              `json:"timeInitialMs"`
	TimeIncrementMs int64              `json:"timeIncrementMs"`
	MoveCount       int                `json:"moveCount"`
	CreatedAt       int64              `json:"createdAt"`
	UpdatedAt       int64              `json:"updatedAt"`
}

func (a *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page = n
		}
	}
	var status storage.GameStatus
	switch r.URL.Query().Get("status") {
	case string(storage.StatusFinished):
		status = storage.StatusFinished
	case string(storage.StatusAbandoned):
		status = storage.StatusAbandoned
	}

	size := configs.ArchivePageSize
	games, total, err := a.archive.ListTerminal(r.Context(), size, (page-1)*size, status)
	if err != nil {
		writeError(w, err)
		return
	}
	rows := make([]archiveRow, 0, len(games))
	for _, g := range games {
		rows = append(rows, archiveRow{
			ID:              g.ID,
			Status:          g.Status,
			Result:          g.Result,
			IsPublic:        g.IsPublic,
			TimeInitialMs:   g.TimeInitialMs,
			TimeIncrementMs: g.TimeIncrementMs,
			MoveCount:       len(g.Moves),
			CreatedAt:       g.CreatedAt,
			UpdatedAt:       g.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"games":      rows,
		"total":      total,
		"page":       page,
		"totalPages": (total + size - 1) / size,
	})
}

func (a *API) handlePGN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	if !utils.IsCanonicalUUID(id) {
		writeError(w, utils.ErrGameNotFound)
		return
	}

	var (
		sans []string
		meta rules.PGNMeta
	)
	rec, err := a.store.GetGame(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec != nil {
		moves, merr := a.store.GetMoves(ctx, id)
		if merr != nil && !utils.IsCorruption(merr) {
			writeError(w, merr)
			return
		}
		for _, m := range moves {
			sans = append(sans, m.San)
		}
		meta = rules.PGNMeta{
			CreatedAtMs:     rec.CreatedAt,
			Result:          string(rec.Result),
			TimeInitialMs:   rec.TimeInitialMs,
			TimeIncrementMs: rec.TimeIncrementMs,
		}
	} else {
		arch, aerr := a.archive.FindGame(ctx, id)
		if aerr != nil {
			writeError(w, aerr)
			return
		}
		if arch == nil {
			writeError(w, utils.ErrGameNotFound)
			return
		}
		for _, m := range arch.Moves {
			sans = append(sans, m.San)
		}
		meta = rules.PGNMeta{
			CreatedAtMs:     arch.CreatedAt,
			Result:          string(arch.Result),
			TimeInitialMs:   arch.TimeInitialMs,
			TimeIncrementMs: arch.TimeIncrementMs,
		}
	}

	w.Header().Set("Content-Type", "application/x-chess-pgn")
	w.Header().Set("Content-Disposition", `attachment; filename="linkchess-`+id+`.pgn"`)
	_, _ = w.Write([]byte(rules.PGN(sans, meta)))
}

type depHealth struct {
	Up        bool  `json:"up"`
	LatencyMs int64 `json:"latencyMs"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	probe := func(ping func() error) depHealth {
		start := time.Now()
		err := ping()
		return depHealth{Up: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	}
	hot := probe(func() error { return a.kv.Ping(ctx) })
	arch := probe(func() error { return a.archive.Ping(ctx) })

	status, code := "ok", http.StatusOK
	if !hot.Up || !arch.Up {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"deps":   map[string]depHealth{"hot": hot, "archive": arch},
	})
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	if !originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	verdict, err := a.store.RateLimit(ctx, "ws", ip, configs.RateLimitWSConnectMax, configs.RateLimitWSConnectWindow)
	if err != nil {
		writeError(w, err)
		return
	}
	if !verdict.Allowed {
		writeRateLimited(w, verdict.RetryAfter)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an error status
		configs.DPrintf("upgrade from %s: %v", ip, err)
		return
	}
	p := newPeer(a.hub, conn, r, ip)
	go p.writePump()
	go p.readPump(a.dispatcher)
}

// originAllowed applies the websocket origin policy. Browsers always send
// Origin on upgrades; requests without one (curl, tests, bots) pass.
func originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
		return true
	}
	allowed := strings.TrimSpace(configs.CORSAllowedOrigins)
	if allowed == "" {
		return !configs.Production
	}
	for _, o := range strings.Split(allowed, ",") {
		if strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	return false
}

// corsMiddleware mirrors the websocket origin policy onto the REST
// surface so the same frontends can call both.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first forwarded hop so rate limits hold behind a
// reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func cookieToken(r *http.Request, gameID string) string {
	c, err := r.Cookie(configs.TokenCookiePrefix + gameID)
	if err != nil {
		return ""
	}
	return c.Value
}

func setTokenCookie(w http.ResponseWriter, gameID, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     configs.TokenCookiePrefix + gameID,
		Value:    token,
		Path:     "/",
		MaxAge:   int(configs.CookieMaxAge / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   configs.Production,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	byt, err := json.Marshal(v)
	configs.CheckError(err)
	_, _ = w.Write(byt)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{"error": clientMessage(err)})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many requests"})
}

func statusOf(err error) int {
	switch utils.KindOf(err) {
	case utils.Validation, utils.IllegalMove:
		return http.StatusBadRequest
	case utils.NotFound:
		return http.StatusNotFound
	case utils.PreconditionFailed, utils.Conflict:
		return http.StatusConflict
	case utils.Unauthorized:
		return http.StatusForbidden
	case utils.RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
