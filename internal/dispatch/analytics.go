package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"noshow-workers/internal/common/logger"
	"noshow-workers/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ActionIndexer writes dispatched prevention actions into Elasticsearch so
// the analytics dashboard can report on which interventions actually reduce
// no-shows. Indexing failures never block the dispatch path.
type ActionIndexer struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewActionIndexer(client *elasticsearch.Client, index string, log logger.Logger) *ActionIndexer {
	return &ActionIndexer{
		client: client,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "action-indexer"}),
	}
}

type actionDocument struct {
	ActionID     string                 `json:"action_id"`
	BookingID    string                 `json:"booking_id"`
	MessageID    string                 `json:"message_id"`
	Tier         string                 `json:"tier"`
	Action       string                 `json:"action"`
	RiskScore    int                    `json:"risk_score"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	DispatchedAt time.Time              `json:"dispatched_at"`
}

func (a *ActionIndexer) IndexAction(ctx context.Context, action *models.PreventionAction) error {
	doc := actionDocument{
		ActionID:     action.ID,
		BookingID:    action.BookingID,
		MessageID:    action.MessageID,
		Tier:         action.Tier,
		Action:       action.Action,
		RiskScore:    action.RiskScoreAtTime,
		Metadata:     action.Metadata,
		DispatchedAt: action.CreatedAt,
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal action document: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      a.index,
		DocumentID: action.ID,
		Body:       bytes.NewReader(body),
	}

	res, err := req.Do(ctx, a.client)
	if err != nil {
		return fmt.Errorf("failed to index action: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch index error: %s", res.Status())
	}

	a.logger.Debug("action indexed", map[string]interface{}{
		"actionId": action.ID,
		"index":    a.index,
	})
	return nil
}
