package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/offline-cache/offline-cache/lifecycle"
	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"
	"github.com/offline-cache/offline-cache/store"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Message types. These two messages are the only way data crosses into
// the worker besides fetch interception.
const (
	TypeCacheCourse = "CACHE_COURSE"
	TypeSkipWaiting = "SKIP_WAITING"
)

var (
	ErrUnknownType = errors.New("unknown control message type")
	ErrNoWorker    = errors.New("no worker registered")
)

// Message is a control message from the hosting application.
type Message struct {
	Type       string          `json:"type"`
	CourseID   string          `json:"courseId,omitempty"`
	CourseData json.RawMessage `json:"courseData,omitempty"`
}

// CourseKey derives the synthetic request key a pushed course is stored
// under. Requests for this key hit the course store like any fetched
// course page would.
func CourseKey(courseID string) string {
	return "/courses/" + courseID + "/offline-data"
}

// Dispatch routes a control message to its handler.
//
// CACHE_COURSE stores the payload as a JSON response in the course
// store; repeated sends with the same id overwrite. SKIP_WAITING
// promotes a waiting worker version; the sender is responsible for
// reloading itself afterward.
func Dispatch(ctx context.Context, msg Message, reg *lifecycle.Registration) error {
	switch msg.Type {
	case TypeCacheCourse:
		return cacheCourse(msg, reg)
	case TypeSkipWaiting:
		return reg.SkipWaiting(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

func cacheCourse(msg Message, reg *lifecycle.Registration) error {
	if msg.CourseID == "" {
		return errors.New("CACHE_COURSE without courseId")
	}
	worker := reg.Active()
	if worker == nil {
		return ErrNoWorker
	}
	res, err := serializer.NewJSONResponse(msg.CourseData)
	if err != nil {
		return err
	}
	return worker.Registry().PutURI(store.PurposeCourse, CourseKey(msg.CourseID), res)
}

// Handler exposes the control channel over HTTP for the standalone
// deployment. Embedded applications call Dispatch directly instead.
func Handler(reg *lifecycle.Registration, logger *zerolog.Logger) http.Handler {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	router := chi.NewRouter()
	router.Post("/message", func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "invalid message", http.StatusBadRequest)
			return
		}
		if err := Dispatch(r.Context(), msg, reg); err != nil {
			log.Warn().Err(err).Str("type", msg.Type).Msg("Control message failed")
			if errors.Is(err, ErrUnknownType) {
				http.Error(w, err.Error(), http.StatusBadRequest)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		log.Debug().Str("type", msg.Type).Str("courseId", msg.CourseID).Msg("Control message handled")
		w.WriteHeader(http.StatusAccepted)
	})
	return router
}
