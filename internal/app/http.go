package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agora/api/internal/identity"
	"agora/api/internal/ledger"
	"agora/api/internal/moderation"
	"agora/api/internal/rbac"
	"agora/api/internal/search"
	"agora/api/internal/store"
	"go.uber.org/zap"
)

const (
	headerSessionToken = "X-Session-Token"
	headerGuestSession = "X-Guest-Session"
	headerGuestAlias   = "X-Guest-Alias"
	headerGateSecret   = "X-Gate-Secret"

	maxBodyBytes = 1 << 20
	maxBatchRows = 500
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks, ready := s.service.Readiness(ctx)
		status, statusCode := "ready", http.StatusOK
		if !ready {
			status, statusCode = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{"ok": ready, "status": status, "checks": checks})
		return
	}

	// Routes that do not act on behalf of a resolved identity.
	if r.URL.Path == "/api/session" && r.Method == http.MethodPost {
		s.handleSessionCreate(w, r)
		return
	}
	if r.URL.Path == "/api/session" && r.Method == http.MethodDelete {
		_ = s.service.RevokeSession(r.Context(), strings.TrimSpace(r.Header.Get(headerSessionToken)))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if r.URL.Path == "/api/gate/pass" && r.Method == http.MethodPost {
		s.handleGatePass(w, r)
		return
	}
	if r.URL.Path == "/api/catalog" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"categories": ledger.Categories(),
			"postKinds":  ledger.PostKinds(),
			"topics":     ledger.Topics(),
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", "")
		return
	}

	ident := s.service.Resolve(r.Context(), identityRequest(r))

	switch parts[1] {
	case "session":
		if r.Method != http.MethodGet || len(parts) != 2 {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, identityView(ident))
	case "items":
		s.handleItems(w, r, ident, parts[2:])
	case "posts":
		s.handlePosts(w, r, ident, parts[2:])
	case "profiles":
		s.handleProfiles(w, r, ident, parts[2:])
	case "search":
		s.handleSearch(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", "")
	}
}

func identityRequest(r *http.Request) identity.Request {
	return identity.Request{
		Credential:     bearerToken(r),
		SessionToken:   strings.TrimSpace(r.Header.Get(headerSessionToken)),
		GuestSessionID: strings.TrimSpace(r.Header.Get(headerGuestSession)),
		GuestAlias:     r.Header.Get(headerGuestAlias),
	}
}

func (s *HTTPServer) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Credential string `json:"credential"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), "")
		return
	}
	credential := strings.TrimSpace(body.Credential)
	if credential == "" {
		credential = bearerToken(r)
	}
	grant, err := s.service.CreateSession(r.Context(), credential)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionToken": grant.Token,
		"userId":       grant.UserID,
		"userName":     grant.UserName,
		"role":         grant.Role,
		"expiresAt":    grant.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleGatePass(w http.ResponseWriter, r *http.Request) {
	secret := strings.TrimSpace(r.Header.Get(headerGateSecret))
	expected := s.service.GateSecret()
	if secret == "" || expected == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(expected)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", "")
		return
	}
	var body struct {
		GuestSessionID string `json:"guestSessionId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), "")
		return
	}
	pass, err := s.service.PassGate(r.Context(), strings.TrimSpace(body.GuestSessionID))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"passed": true, "passedAt": pass.PassedAt})
}

func (s *HTTPServer) handleItems(w http.ResponseWriter, r *http.Request, ident identity.Identity, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		query := r.URL.Query()
		items, err := s.service.ItemBoard(ctx, ledger.ItemFilter{
			Category: query.Get("category"),
			State:    ledger.VoteState(query.Get("state")),
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case len(parts) == 0 && r.Method == http.MethodPost:
		var draft moderation.ItemDraft
		if err := decodeBody(r, &draft); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), "")
			return
		}
		item, err := s.service.CreateItem(ctx, ident, draft)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, itemView(item))

	case len(parts) == 1 && parts[0] == "batch" && r.Method == http.MethodPost:
		var body struct {
			Items []moderation.ItemDraft `json:"items"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), "")
			return
		}
		if len(body.Items) == 0 || len(body.Items) > maxBatchRows {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "items must hold 1 to "+strconv.Itoa(maxBatchRows)+" rows", "")
			return
		}
		results, err := s.service.CreateItems(ctx, ident, body.Items)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		rows := make([]map[string]any, 0, len(results))
		created := 0
		for _, res := range results {
			row := map[string]any{"index": res.Index}
			if res.Err != nil {
				_, code, message, _ := mapError(res.Err)
				row["code"], row["error"] = code, message
			} else {
				created++
				row["item"] = itemView(res.Item)
			}
			rows = append(rows, row)
		}
		writeJSON(w, http.StatusOK, map[string]any{"created": created, "failed": len(results) - created, "results": rows})

	case len(parts) == 1 && r.Method == http.MethodGet:
		item, err := s.service.Item(ctx, parts[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, itemView(item))

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteItem(ctx, ident, parts[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 2 && parts[1] == "tally" && r.Method == http.MethodGet:
		tally, err := s.service.VoteTally(ctx, parts[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"itemId": parts[0], "tally": tally, "total": tally.Total()})

	case len(parts) == 2 && parts[1] == "vote" && r.Method == http.MethodPut:
		var body struct {
			State string `json:"state"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), "")
			return
		}
		delta, err := s.service.CastVote(ctx, ident, parts[0], ledger.VoteState(body.State))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, delta)

	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handlePosts(w http.ResponseWriter, r *http.Request, ident identity.Identity, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		posts, err := s.service.PostBoard(ctx, ledger.PostFilter{Topic: r.URL.Query().Get("topic")})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"posts": posts})

	case len(parts) == 0 && r.Method == http.MethodPost:
		var body struct {
			Topic   string `json:"topic"`
			Kind    string `json:"kind"`
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), "")
			return
		}
		post, err := s.service.CreatePost(ctx, ident, ledger.PostDraft{Topic: body.Topic, Kind: body.Kind, Content: body.Content})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, postView(post))

	case len(parts) == 1 && r.Method == http.MethodGet:
		post, err := s.service.Post(ctx, parts[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, postView(post))

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeletePost(ctx, ident, parts[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 2 && parts[1] == "reactions" && r.Method == http.MethodGet:
		tally, err := s.service.ReactionTally(ctx, parts[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"postId": parts[0], "tally": tally, "supportRatio": tally.SupportRatio()})

	case len(parts) == 2 && parts[1] == "reaction" && r.Method == http.MethodPut:
		var body struct {
			Type string `json:"type"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), "")
			return
		}
		delta, err := s.service.CastReaction(ctx, ident, parts[0], ledger.ReactionType(body.Type))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, delta)

	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleProfiles(w http.ResponseWriter, r *http.Request, ident identity.Identity, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		profiles, err := s.service.ListProfiles(ctx, ident)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		views := make([]map[string]any, 0, len(profiles))
		for _, p := range profiles {
			views = append(views, profileView(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"profiles": views})

	case len(parts) == 1 && parts[0] == "me" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, identityView(ident))

	case len(parts) == 1 && parts[0] == "me" && r.Method == http.MethodPut:
		var body struct {
			Username string `json:"username"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), "")
			return
		}
		profile, err := s.service.UpdateOwnUsername(ctx, ident, body.Username)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profileView(profile))

	case len(parts) == 1 && parts[0] == "roles" && r.Method == http.MethodPost:
		var body struct {
			TargetIDs []string `json:"targetIds"`
			Role      string   `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), "")
			return
		}
		batch, err := s.service.BatchSetRole(ctx, ident, body.TargetIDs, body.Role)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		rows := make([]map[string]any, 0, len(batch.Results))
		for _, res := range batch.Results {
			row := map[string]any{"targetId": res.TargetID, "ok": res.Err == nil}
			if res.Err != nil {
				_, code, message, _ := mapError(res.Err)
				row["code"], row["error"] = code, message
			}
			rows = append(rows, row)
		}
		status := http.StatusOK
		if batch.Succeeded == 0 {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]any{
			"succeeded": batch.Succeeded,
			"failed":    batch.Failed,
			"partial":   batch.Partial(),
			"results":   rows,
		})

	case len(parts) == 1 && parts[0] == "provision" && r.Method == http.MethodPost:
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), "")
			return
		}
		profile, err := s.service.ProvisionAccount(ctx, ident, body.Email, body.Role)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, profileView(profile))

	case len(parts) == 2 && parts[1] == "role" && r.Method == http.MethodPut:
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), "")
			return
		}
		profile, err := s.service.SetRole(ctx, ident, parts[0], body.Role)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profileView(profile))

	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
		Text:       strings.TrimSpace(query.Get("q")),
		FilterType: search.ResultType(query.Get("type")),
		Facet:      query.Get("facet"),
		Limit:      limit,
		Offset:     offset,
	}))
}

func identityView(ident identity.Identity) map[string]any {
	view := map[string]any{
		"authenticated": ident.Authenticated(),
		"role":          ident.Role,
		"label":         ident.Label(),
		"gatePassed":    ident.GatePassed,
		"capabilities": map[string]bool{
			"vote":        rbac.CanVote(ident.Role, ident.GatePassed),
			"react":       rbac.CanReact(ident.Role, ident.GatePassed),
			"post":        rbac.CanPost(ident.Role),
			"moderate":    rbac.CanModerate(ident.Role),
			"manageRoles": rbac.CanManageRoles(ident.Role),
			"provision":   rbac.CanProvision(ident.Role),
		},
	}
	if ident.Authenticated() {
		view["userId"] = ident.ID
		view["userName"] = ident.DisplayName
	}
	return view
}

func itemView(item store.Item) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"category":  item.Category,
		"content":   item.Content,
		"createdBy": item.CreatedBy,
		"createdAt": item.CreatedAt,
	}
}

func postView(post store.Post) map[string]any {
	return map[string]any{
		"id":        post.ID,
		"authorId":  post.AuthorID,
		"topic":     post.Topic,
		"kind":      post.Kind,
		"content":   post.Content,
		"createdAt": post.CreatedAt,
	}
}

func profileView(p store.Profile) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"role":      p.Role,
		"username":  p.Username,
		"email":     p.Email,
		"label":     identity.Label(rbac.Normalize(p.Role), p.ID, p.Username),
		"updatedAt": p.UpdatedAt,
	}
}

// fail writes err as a JSON error response. Errors outside the taxonomy are
// logged with the request id and reported without detail.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, precondition := mapError(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
	}
	writeError(w, status, code, message, precondition)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", "")
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Session-Token, X-Guest-Session, X-Guest-Alias")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message, precondition string) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if precondition != "" {
		response["precondition"] = precondition
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return errInvalidBody
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
