package store

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/model"
)

func toNode(r nodeRecord) model.Node {
	return model.Node{
		ID:        r.ID,
		Name:      r.Name,
		BaseURL:   r.BaseURL,
		TokenID:   r.TokenID,
		Token:     r.Token,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// CreateNode stores a node. TokenID and Token are generated when empty.
func (s *Store) CreateNode(ctx context.Context, n model.Node) (model.Node, error) {
	name := strings.TrimSpace(n.Name)
	baseURL := strings.TrimRight(strings.TrimSpace(n.BaseURL), "/")
	if name == "" || baseURL == "" {
		return model.Node{}, apperr.Wrap(apperr.ErrInvalidInput, "node name and base url are required")
	}
	tokenID := n.TokenID
	if tokenID == "" {
		tokenID = strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	token := n.Token
	if token == "" {
		token = strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	}

	now := s.timestamp()
	r := nodeRecord{
		ID:        uuid.NewString(),
		Name:      name,
		BaseURL:   baseURL,
		TokenID:   tokenID,
		Token:     token,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		if isUniqueViolation(err) {
			return model.Node{}, apperr.Wrap(apperr.ErrInvalidInput, "node token id already in use")
		}
		return model.Node{}, err
	}
	return toNode(r), nil
}

func (s *Store) GetNode(ctx context.Context, id string) (model.Node, error) {
	var r nodeRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return model.Node{}, notFound(err, "node")
	}
	return toNode(r), nil
}

func (s *Store) ListNodes(ctx context.Context) ([]model.Node, error) {
	rows := make([]nodeRecord, 0)
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]model.Node, 0, len(rows))
	for _, r := range rows {
		result = append(result, toNode(r))
	}
	return result, nil
}
