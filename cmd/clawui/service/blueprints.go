package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/repository"
	"github.com/ccchow/ClawUI-sub001/common/db"
	"github.com/ccchow/ClawUI-sub001/common/logger"
)

// BlueprintService handles blueprint and node lifecycle outside of execution
type BlueprintService struct {
	db         *db.DB
	log        *logger.Logger
	blueprints *repository.BlueprintRepository
	nodes      *repository.NodeRepository
	artifacts  *repository.ArtifactRepository
}

// BlueprintServiceOpts contains options for creating a BlueprintService
type BlueprintServiceOpts struct {
	DB         *db.DB
	Log        *logger.Logger
	Blueprints *repository.BlueprintRepository
	Nodes      *repository.NodeRepository
	Artifacts  *repository.ArtifactRepository
}

// NewBlueprintService creates a new blueprint service
func NewBlueprintService(opts *BlueprintServiceOpts) *BlueprintService {
	return &BlueprintService{
		db:         opts.DB,
		log:        opts.Log,
		blueprints: opts.Blueprints,
		nodes:      opts.Nodes,
		artifacts:  opts.Artifacts,
	}
}

// CreateBlueprintRequest is the payload for creating a blueprint
type CreateBlueprintRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	ProjectCwd  *string `json:"projectCwd,omitempty"`
}

// Create creates a draft blueprint
func (s *BlueprintService) Create(ctx context.Context, req *CreateBlueprintRequest) (*models.Blueprint, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, E(KindBadRequest, "title is required")
	}
	bp := &models.Blueprint{
		Title:       req.Title,
		Description: req.Description,
		ProjectCwd:  req.ProjectCwd,
		Status:      models.BlueprintDraft,
	}
	if err := s.blueprints.Create(ctx, bp); err != nil {
		return nil, Wrap(err, "create blueprint")
	}
	s.log.WithBlueprintID(bp.ID).Info("blueprint created", "title", bp.Title)
	return bp, nil
}

// Get returns a blueprint with its nodes, artifacts, and executions hydrated
func (s *BlueprintService) Get(ctx context.Context, id string) (*models.Blueprint, error) {
	bp, err := s.blueprints.GetByID(ctx, id)
	if err != nil {
		return nil, Wrap(err, "get blueprint")
	}
	return bp, nil
}

// List returns blueprints matching the filter
func (s *BlueprintService) List(ctx context.Context, filter repository.ListFilter) ([]*models.Blueprint, error) {
	out, err := s.blueprints.List(ctx, filter)
	if err != nil {
		return nil, Wrap(err, "list blueprints")
	}
	return out, nil
}

// Update applies a merge patch to a blueprint
func (s *BlueprintService) Update(ctx context.Context, id string, patch []byte) (*models.Blueprint, error) {
	bp, err := s.blueprints.Update(ctx, id, patch)
	if err != nil {
		return nil, Wrap(err, "update blueprint")
	}
	return bp, nil
}

// Delete removes a blueprint and everything it owns
func (s *BlueprintService) Delete(ctx context.Context, id string) error {
	if err := s.blueprints.Delete(ctx, id); err != nil {
		return Wrap(err, "delete blueprint")
	}
	s.log.WithBlueprintID(id).Info("blueprint deleted")
	return nil
}

// Approve moves a draft blueprint to approved
func (s *BlueprintService) Approve(ctx context.Context, id string) (*models.Blueprint, error) {
	bp, err := s.blueprints.GetBare(ctx, id)
	if err != nil {
		return nil, Wrap(err, "get blueprint")
	}
	if bp.Status != models.BlueprintDraft {
		return nil, Ef(KindPrecondition, "only draft blueprints can be approved; blueprint is %s", bp.Status)
	}
	if err := s.blueprints.SetStatus(ctx, id, models.BlueprintApproved); err != nil {
		return nil, Wrap(err, "approve blueprint")
	}
	bp.Status = models.BlueprintApproved
	return bp, nil
}

// Archive hides a blueprint from default listings
func (s *BlueprintService) Archive(ctx context.Context, id string) error {
	return s.setArchived(ctx, id, true)
}

// Unarchive restores a blueprint to default listings
func (s *BlueprintService) Unarchive(ctx context.Context, id string) error {
	return s.setArchived(ctx, id, false)
}

func (s *BlueprintService) setArchived(ctx context.Context, id string, archived bool) error {
	if err := s.blueprints.SetArchived(ctx, id, archived); err != nil {
		return Wrap(err, "set blueprint archived")
	}
	return nil
}

// CreateNodeRequest is the payload for creating one node
type CreateNodeRequest struct {
	Title            string   `json:"title"`
	Description      *string  `json:"description,omitempty"`
	Prompt           *string  `json:"prompt,omitempty"`
	Dependencies     []string `json:"dependencies,omitempty"`
	Order            *int     `json:"order,omitempty"`
	EstimatedMinutes *int     `json:"estimatedMinutes,omitempty"`
	ParallelGroup    *string  `json:"parallelGroup,omitempty"`
	AgentType        string   `json:"agentType,omitempty"`
}

// CreateNode adds a node to a blueprint
func (s *BlueprintService) CreateNode(ctx context.Context, blueprintID string, req *CreateNodeRequest) (*models.MacroNode, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, E(KindBadRequest, "title is required")
	}
	if _, err := s.blueprints.GetBare(ctx, blueprintID); err != nil {
		return nil, Wrap(err, "get blueprint")
	}

	node := &models.MacroNode{
		BlueprintID:      blueprintID,
		Order:            -1,
		Title:            req.Title,
		Description:      req.Description,
		Prompt:           req.Prompt,
		Dependencies:     req.Dependencies,
		EstimatedMinutes: req.EstimatedMinutes,
		ParallelGroup:    req.ParallelGroup,
		AgentType:        req.AgentType,
	}
	if req.Order != nil {
		node.Order = *req.Order
	}
	if err := s.nodes.Create(ctx, node); err != nil {
		return nil, Wrap(err, "create node")
	}
	_ = s.blueprints.Touch(ctx, blueprintID)
	return node, nil
}

// UpdateNode applies a merge patch to a node
func (s *BlueprintService) UpdateNode(ctx context.Context, blueprintID, nodeID string, patch []byte) (*models.MacroNode, error) {
	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return nil, Wrap(err, "get node")
	}
	if node.BlueprintID != blueprintID {
		return nil, Ef(KindNotFound, "node %s does not belong to blueprint %s", nodeID, blueprintID)
	}
	updated, err := s.nodes.Update(ctx, nodeID, patch)
	if err != nil {
		return nil, Wrap(err, "update node")
	}
	_ = s.blueprints.Touch(ctx, blueprintID)
	return updated, nil
}

// DeleteNode removes a node. Dependents keep dangling references, which are
// filtered when resolving.
func (s *BlueprintService) DeleteNode(ctx context.Context, blueprintID, nodeID string) error {
	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return Wrap(err, "get node")
	}
	if node.BlueprintID != blueprintID {
		return Ef(KindNotFound, "node %s does not belong to blueprint %s", nodeID, blueprintID)
	}
	if node.Status == models.NodeRunning {
		return E(KindConflict, "cannot delete a running node")
	}
	if err := s.nodes.Delete(ctx, nodeID); err != nil {
		return Wrap(err, "delete node")
	}
	_ = s.blueprints.Touch(ctx, blueprintID)
	return nil
}

// Reorder rewrites node display ordinals atomically
func (s *BlueprintService) Reorder(ctx context.Context, blueprintID string, orders []repository.NodeOrder) error {
	if len(orders) == 0 {
		return E(KindBadRequest, "orders list is empty")
	}
	if err := s.nodes.Reorder(ctx, blueprintID, orders); err != nil {
		return Wrap(err, "reorder nodes")
	}
	_ = s.blueprints.Touch(ctx, blueprintID)
	return nil
}

// BatchNodeSpec is one entry of a batch-create request. Dependencies may
// reference existing nodes by id (string) or earlier entries of the same
// batch by zero-based index (number).
type BatchNodeSpec struct {
	Title            string            `json:"title"`
	Description      *string           `json:"description,omitempty"`
	Prompt           *string           `json:"prompt,omitempty"`
	EstimatedMinutes *int              `json:"estimatedMinutes,omitempty"`
	ParallelGroup    *string           `json:"parallelGroup,omitempty"`
	AgentType        string            `json:"agentType,omitempty"`
	Dependencies     []json.RawMessage `json:"dependencies,omitempty"`
}

// BatchCreateNodes creates a batch of nodes in one transaction, resolving
// intra-batch integer dependency references to the created ids.
func (s *BlueprintService) BatchCreateNodes(ctx context.Context, blueprintID string, specs []BatchNodeSpec) ([]*models.MacroNode, error) {
	if len(specs) == 0 {
		return nil, E(KindBadRequest, "nodes list is empty")
	}
	if _, err := s.blueprints.GetBare(ctx, blueprintID); err != nil {
		return nil, Wrap(err, "get blueprint")
	}

	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = uuid.NewString()
	}

	created := make([]*models.MacroNode, 0, len(specs))
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for i, spec := range specs {
			if strings.TrimSpace(spec.Title) == "" {
				return Ef(KindBadRequest, "node %d: title is required", i)
			}
			deps, err := resolveBatchDeps(spec.Dependencies, ids, i)
			if err != nil {
				return err
			}
			node := &models.MacroNode{
				ID:               ids[i],
				BlueprintID:      blueprintID,
				Order:            -1,
				Title:            spec.Title,
				Description:      spec.Description,
				Prompt:           spec.Prompt,
				Dependencies:     deps,
				EstimatedMinutes: spec.EstimatedMinutes,
				ParallelGroup:    spec.ParallelGroup,
				AgentType:        spec.AgentType,
			}
			if err := s.nodes.CreateInTx(ctx, tx, node); err != nil {
				return err
			}
			created = append(created, node)
		}
		return nil
	})
	if err != nil {
		return nil, Wrap(err, "batch create nodes")
	}
	_ = s.blueprints.Touch(ctx, blueprintID)
	return created, nil
}

// resolveBatchDeps turns a mixed id-or-index dependency list into node ids
func resolveBatchDeps(raw []json.RawMessage, batchIDs []string, self int) ([]string, error) {
	deps := make([]string, 0, len(raw))
	for _, entry := range raw {
		var idx int
		if err := json.Unmarshal(entry, &idx); err == nil {
			if idx < 0 || idx >= self {
				return nil, Ef(KindBadRequest, "node %d references invalid batch index %d", self, idx)
			}
			deps = append(deps, batchIDs[idx])
			continue
		}
		var id string
		if err := json.Unmarshal(entry, &id); err == nil {
			deps = append(deps, id)
			continue
		}
		return nil, Ef(KindBadRequest, "node %d has a malformed dependency entry", self)
	}
	return deps, nil
}
