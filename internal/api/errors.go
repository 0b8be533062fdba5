package api

import (
	"errors"
	"net/http"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
	"github.com/ReplayDeck/ReplayPipe/internal/scenario"
	"github.com/ReplayDeck/ReplayPipe/internal/store"
)

// Sentinel errors for the session manager.
var (
	// ErrSessionNotFound indicates the session ID does not name a live session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRelayNotAttached indicates a detach was requested with no relay bound.
	ErrRelayNotAttached = errors.New("no relay attached to session")
	// ErrRelayAlreadyAttached indicates the session already has a relay bound.
	ErrRelayAlreadyAttached = errors.New("relay already attached to session")
	// ErrUnknownRelayChannel indicates the requested relay channel is not configured.
	ErrUnknownRelayChannel = errors.New("unknown relay channel")
)

// validationErrors are client mistakes in request payloads or template
// definitions; they all map to 400.
var validationErrors = []error{
	models.ErrInvalidSpeed,
	models.ErrIndexOutOfRange,
	models.ErrEmptyScenarioID,
	models.ErrEmptyScenarioTitle,
	models.ErrScenarioTitleTooLong,
	models.ErrNoMessages,
	models.ErrTooManyMessages,
	models.ErrInvalidSender,
	models.ErrInvalidMessageType,
	models.ErrEmptyContent,
	models.ErrContentTooLong,
	models.ErrNegativeDelay,
	models.ErrMissingFlowDefinition,
	models.ErrEmptyFlowID,
	models.ErrNoFlowSteps,
	models.ErrTooManyFlowSteps,
	scenario.ErrBuiltinReadOnly,
	ErrUnknownRelayChannel,
}

// notFoundErrors map to 404.
var notFoundErrors = []error{
	ErrSessionNotFound,
	store.ErrNotFound,
	scenario.ErrScenarioNotFound,
	models.ErrFlowNotFound,
}

// conflictErrors are requests that are well formed but illegal in the
// session's current state; they map to 409.
var conflictErrors = []error{
	models.ErrEngineDisposed,
	models.ErrNoConversation,
	models.ErrNotPlayable,
	models.ErrNotPlaying,
	models.ErrFlowNotActive,
	models.ErrInvalidStatusTransition,
	ErrRelayNotAttached,
	ErrRelayAlreadyAttached,
}

// statusForError maps a control or catalog error to an HTTP status code.
// Unrecognized errors are treated as internal.
func statusForError(err error) int {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return http.StatusNotFound
		}
	}
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}

// writeError writes the standard error envelope for err.
func writeError(w http.ResponseWriter, err error) {
	writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
}
