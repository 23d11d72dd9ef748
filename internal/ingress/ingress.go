// Package ingress implements spec.md §4.1: the single webhook surface
// that turns a push/PR delivery into a queued Build.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/kennel-paas/kennel/internal/bus"
	"github.com/kennel-paas/kennel/internal/kerrors"
	"github.com/kennel-paas/kennel/internal/store"
)

// Server is the Ingress HTTP surface.
type Server struct {
	store  *store.Store
	queues *bus.Queues
	log    zerolog.Logger
}

func New(st *store.Store, queues *bus.Queues, log zerolog.Logger) *Server {
	return &Server{store: st, queues: queues, log: log.With().Str("component", "ingress").Logger()}
}

// Router builds the chi router backing the Ingress HTTP listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/webhook/{project}", s.handleWebhook)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("store unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleWebhook implements the contract of spec.md §4.1.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	projectName := chi.URLParam(r, "project")

	project, err := s.store.GetProject(projectName)
	if err != nil {
		writeKerror(w, err, s.log)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeKerror(w, kerrors.Wrap(kerrors.KindInternal, "read body", err), s.log)
		return
	}
	defer r.Body.Close()

	eventKind, sigHeader, ok := platformHeaders(r)
	if !ok {
		writeKerror(w, kerrors.New(kerrors.KindValidation, "missing event or signature header"), s.log)
		return
	}

	if !verifySignature(project.WebhookSecret, body, sigHeader) {
		s.log.Warn().
			Str("project", projectName).
			Str("remote_addr", r.RemoteAddr).
			Str("event", eventKind).
			Msg("webhook signature verification failed")
		writeKerror(w, kerrors.New(kerrors.KindUnauthorized, "signature mismatch"), s.log)
		return
	}

	switch eventKind {
	case "push":
		s.handlePush(w, r, project, body)
	case "pull_request":
		s.handlePullRequest(w, r, project, body)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func platformHeaders(r *http.Request) (eventKind, signature string, ok bool) {
	if ev := r.Header.Get("X-Forgejo-Event"); ev != "" {
		sig := r.Header.Get("X-Forgejo-Signature")
		if sig == "" {
			return "", "", false
		}
		return ev, "forgejo:" + sig, true
	}
	if ev := r.Header.Get("X-GitHub-Event"); ev != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			return "", "", false
		}
		return ev, "github:" + sig, true
	}
	return "", "", false
}

// verifySignature checks the HMAC-SHA256 of body under secret, using a
// constant-time comparison (spec.md §4.1 step 2). Forgejo sends raw hex;
// GitHub prefixes with "sha256=".
func verifySignature(secret string, body []byte, tagged string) bool {
	parts := strings.SplitN(tagged, ":", 2)
	if len(parts) != 2 {
		return false
	}
	platform, raw := parts[0], parts[1]
	if platform == "github" {
		raw = strings.TrimPrefix(raw, "sha256=")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(raw)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, given)
}

const zeroCommit = "0000000000000000000000000000000000000000"

type pushEvent struct {
	Ref    string `json:"ref"`
	After  string `json:"after"`
	Pusher struct {
		Name     string `json:"name"`
		Username string `json:"login"`
	} `json:"pusher"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, project *store.Project, body []byte) {
	var ev pushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeKerror(w, kerrors.Wrap(kerrors.KindValidation, "malformed push payload", err), s.log)
		return
	}
	branch := strings.TrimPrefix(ev.Ref, "refs/heads/")
	pusher := ev.Pusher.Name
	if pusher == "" {
		pusher = ev.Pusher.Username
	}

	if ev.After == zeroCommit {
		s.teardownBranch(w, project.Name, branch)
		return
	}

	s.createBuild(w, project.Name, branch, ev.After, pusher)
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Head struct {
			Sha string `json:"sha"`
		} `json:"head"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
}

func (s *Server) handlePullRequest(w http.ResponseWriter, r *http.Request, project *store.Project, body []byte) {
	var ev pullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeKerror(w, kerrors.Wrap(kerrors.KindValidation, "malformed pull_request payload", err), s.log)
		return
	}

	gitRef := prRef(ev.Number)

	switch ev.Action {
	case "opened", "reopened", "synchronize", "synchronized":
		s.createBuildForRef(w, project.Name, gitRef, ev.PullRequest.Head.Sha, ev.PullRequest.User.Login)
	case "closed":
		s.teardownBranch(w, project.Name, gitRef)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func prRef(number int) string {
	return "pr-" + itoa(number)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Server) createBuild(w http.ResponseWriter, project, branch, commit, triggeredBy string) {
	s.createBuildForRef(w, project, branch, commit, triggeredBy)
}

func (s *Server) createBuildForRef(w http.ResponseWriter, project, gitRef, commit, triggeredBy string) {
	build, created, err := s.store.CreateBuildIfNotExists(project, gitRef, commit, triggeredBy)
	if err != nil {
		writeKerror(w, err, s.log)
		return
	}

	if !created {
		// Idempotent replay (spec.md §4.1 step 4 / §8 round-trip laws).
		w.WriteHeader(http.StatusOK)
		return
	}

	if !s.queues.TryEnqueueBuild(build.ID) {
		writeKerror(w, kerrors.New(kerrors.KindServiceUnavailable, "build queue is full"), s.log)
		return
	}

	s.log.Info().Str("project", project).Str("git_ref", gitRef).Str("commit", commit).Str("build_id", build.ID).Msg("build enqueued")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) teardownBranch(w http.ResponseWriter, project, branch string) {
	ids, err := s.store.MarkBranchTearingDown(project, branch)
	if err != nil {
		writeKerror(w, err, s.log)
		return
	}
	for _, id := range ids {
		if !s.queues.TryEnqueueTeardown(bus.TeardownRequest{DeploymentID: id}) {
			writeKerror(w, kerrors.New(kerrors.KindServiceUnavailable, "teardown queue is full"), s.log)
			return
		}
	}
	s.log.Info().Str("project", project).Str("branch", branch).Int("deployments", len(ids)).Msg("branch torn down via webhook")
	w.WriteHeader(http.StatusAccepted)
}

func writeKerror(w http.ResponseWriter, err error, log zerolog.Logger) {
	status := http.StatusInternalServerError
	switch kerrors.KindOf(err) {
	case kerrors.KindNotFound:
		status = http.StatusNotFound
	case kerrors.KindUnauthorized:
		status = http.StatusUnauthorized
	case kerrors.KindValidation:
		status = http.StatusBadRequest
	case kerrors.KindServiceUnavailable:
		status = http.StatusServiceUnavailable
	case kerrors.KindResourcesExhausted:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		log.Error().Err(err).Msg("ingress request failed")
	}
	http.Error(w, err.Error(), status)
}
