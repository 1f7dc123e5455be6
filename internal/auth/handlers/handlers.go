package handlers

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"

	"github.com/Koohoko/codex-switcher/internal/auth/models"
	"github.com/Koohoko/codex-switcher/internal/logger"
	"github.com/Koohoko/codex-switcher/internal/utils"
	"go.uber.org/zap"
)

const successPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Authorization complete</title></head>
<body><h1>Authorization complete</h1><p>Codex Switcher is connected. You can close this window and return to the app.</p>
<script>setTimeout(() => window.close(), 3000)</script></body></html>`

// CallbackHandler validates the single provider redirect of one login
// attempt. The first request decides the outcome; it is delivered exactly
// once on Result() and every later request is refused.
type CallbackHandler struct {
	expectedState string

	once   sync.Once
	result chan models.CallbackResult
}

// NewCallbackHandler creates a handler expecting the given state token
func NewCallbackHandler(expectedState string) *CallbackHandler {
	return &CallbackHandler{
		expectedState: expectedState,
		result:        make(chan models.CallbackResult, 1),
	}
}

// Result yields the outcome of the first callback request
func (h *CallbackHandler) Result() <-chan models.CallbackResult {
	return h.result
}

// ServeHTTP handles the OAuth callback
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	served := false
	h.once.Do(func() {
		served = true
		h.handle(w, r)
	})
	if !served {
		utils.WriteText(w, http.StatusGone, "This login callback was already used.")
	}
}

func (h *CallbackHandler) handle(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")

	var err error
	switch {
	case code == "" || state == "":
		err = fmt.Errorf("%w: code and state are required", models.ErrMissingParameters)
	case subtle.ConstantTimeCompare([]byte(state), []byte(h.expectedState)) != 1:
		err = models.ErrStateMismatch
	}

	if err != nil {
		logger.Warn("Rejected OAuth callback", zap.String("path", r.URL.Path), zap.Error(err))
		if description := query.Get("error_description"); description != "" {
			err = fmt.Errorf("%w (provider: %s)", err, description)
		}
		utils.WriteText(w, http.StatusBadRequest, "Authorization failed: state validation failed or parameters are missing.")
		h.result <- models.CallbackResult{Err: err}
		return
	}

	utils.WriteHTML(w, http.StatusOK, successPage)
	h.result <- models.CallbackResult{Code: code}
}
