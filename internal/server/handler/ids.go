package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/ctfledger/internal/ctf"
	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// IDHandler exposes the pure identifier derivations. It holds no state.
type IDHandler struct {
	logger *slog.Logger
}

// NewIDHandler creates an IDHandler.
func NewIDHandler(logger *slog.Logger) *IDHandler {
	return &IDHandler{logger: logHandler(logger, "ids")}
}

// ConditionID derives a condition id.
// GET /api/ids/condition?oracle=0x..&question_id=0x..&outcome_slot_count=2
func (h *IDHandler) ConditionID(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	oracle, err := parseAddress(q.Get("oracle"), "oracle")
	if err != nil {
		writeServiceError(w, r, h.logger, "condition id", err)
		return
	}
	questionID, err := parseHash(q.Get("question_id"), "question_id")
	if err != nil {
		writeServiceError(w, r, h.logger, "condition id", err)
		return
	}
	slots, err := strconv.Atoi(q.Get("outcome_slot_count"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "outcome_slot_count must be an integer")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"condition_id": ctf.ConditionID(oracle, questionID, slots)})
}

// CollectionID derives a collection id from a parent, a condition and an
// index set. An omitted parent is the root collection.
// GET /api/ids/collection?parent=0x..&condition_id=0x..&index_set=1
func (h *IDHandler) CollectionID(w http.ResponseWriter, r *http.Request) {
	collection, ok := h.collection(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collection_id": collection})
}

// PositionID derives a position id, either from collateral plus a
// collection_id or from collateral plus the collection inputs.
// GET /api/ids/position?collateral=0x..&collection_id=0x..
func (h *IDHandler) PositionID(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	collateral, err := parseAddress(q.Get("collateral"), "collateral")
	if err != nil {
		writeServiceError(w, r, h.logger, "position id", err)
		return
	}
	var collection domain.CollectionID
	if v := q.Get("collection_id"); v != "" {
		collection, err = parseHash(v, "collection_id")
		if err != nil {
			writeServiceError(w, r, h.logger, "position id", err)
			return
		}
	} else {
		var ok bool
		if collection, ok = h.collection(w, r); !ok {
			return
		}
	}
	id := ctf.PositionID(collateral, collection)
	writeJSON(w, http.StatusOK, map[string]any{
		"collection_id": collection,
		"position_id":   id,
		"position_hex":  id.Hex(),
	})
}

func (h *IDHandler) collection(w http.ResponseWriter, r *http.Request) (domain.CollectionID, bool) {
	q := r.URL.Query()
	parent := domain.RootCollection
	if v := q.Get("parent"); v != "" {
		p, err := parseHash(v, "parent")
		if err != nil {
			writeServiceError(w, r, h.logger, "collection id", err)
			return domain.CollectionID{}, false
		}
		parent = p
	}
	conditionID, err := parseHash(q.Get("condition_id"), "condition_id")
	if err != nil {
		writeServiceError(w, r, h.logger, "collection id", err)
		return domain.CollectionID{}, false
	}
	set, err := domain.ParseIndexSet(q.Get("index_set"))
	if err != nil {
		writeServiceError(w, r, h.logger, "collection id", err)
		return domain.CollectionID{}, false
	}
	collection, err := ctf.CollectionID(parent, conditionID, set)
	if err != nil {
		writeServiceError(w, r, h.logger, "collection id", err)
		return domain.CollectionID{}, false
	}
	return collection, true
}
