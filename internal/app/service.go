package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"copydesk/api/internal/auth"
	"copydesk/api/internal/config"
	"copydesk/api/internal/consistency"
	"copydesk/api/internal/rbac"
	"copydesk/api/internal/search"
	"copydesk/api/internal/store"
)

type Session struct {
	UserID   string
	UserName string
	Role     rbac.Role
}

type ListCopiesInput struct {
	Slug     string
	Language string
	GroupID  string
}

type RenameSlugInput struct {
	CopyID         string `json:"-"`
	Slug           string `json:"slug"`
	CascadeToGroup bool   `json:"cascadeToGroup"`
}

// RenameResponse is a rename or retry result. Degraded is set when the group
// cascade stopped part way and only the originating copy was renamed; Retry
// then says how to finish the cascade.
type RenameResponse struct {
	consistency.RenameResult
	Degraded bool       `json:"degraded"`
	Retry    *RetryHint `json:"retry,omitempty"`
}

type SlugCheck struct {
	Slug              string `json:"slug"`
	Language          string `json:"language"`
	Available         bool   `json:"available"`
	ConflictingCopyID string `json:"conflictingCopyId,omitempty"`
}

// Pinger is a backing service checked by /api/ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg        config.Config
	engine     *consistency.Engine
	store      store.CopyStore
	search     *search.Service
	logger     *log.Logger
	lockHealth Pinger
}

func New(cfg config.Config, engine *consistency.Engine, copies store.CopyStore, searchService *search.Service, logger *log.Logger) *Service {
	return &Service{
		cfg:    cfg,
		engine: engine,
		store:  copies,
		search: searchService,
		logger: logger,
	}
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:   claims.Sub,
		UserName: claims.Name,
		Role:     rbac.Normalize(claims.Role),
	}, nil
}

// WithLockHealth adds the shared lock backend to readiness. Creates and
// renames cannot proceed without it.
func (s *Service) WithLockHealth(p Pinger) *Service {
	s.lockHealth = p
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type readinessCheck struct {
	name string
	ping func(context.Context) error
}

func (s *Service) readinessChecks() []readinessCheck {
	checks := []readinessCheck{{name: "store", ping: s.Ping}}
	if s.lockHealth != nil {
		checks = append(checks, readinessCheck{name: "lock", ping: s.lockHealth.Ping})
	}
	return checks
}

func (s *Service) require(session Session, action rbac.Action) error {
	if !rbac.Can(session.Role, action) {
		return forbidden(string(action))
	}
	return nil
}

func (s *Service) ListCopies(ctx context.Context, session Session, input ListCopiesInput) ([]store.Copy, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	var filter store.Filter
	if slug := consistency.NormalizeSlug(input.Slug); slug != "" {
		filter.Slug = store.String(slug)
	}
	if language := strings.ToLower(strings.TrimSpace(input.Language)); language != "" {
		filter.Language = store.String(language)
	}
	if groupID := strings.TrimSpace(input.GroupID); groupID != "" {
		filter.GroupIDs = []string{groupID}
	}
	return s.engine.ListCopies(ctx, filter)
}

func (s *Service) SearchCopies(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	q.Language = strings.ToLower(strings.TrimSpace(q.Language))
	return s.search.Search(ctx, q), nil
}

func (s *Service) GetCopy(ctx context.Context, session Session, id string) (store.Copy, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return store.Copy{}, err
	}
	return s.engine.GetCopy(ctx, id)
}

func (s *Service) CheckSlug(ctx context.Context, session Session, slug, language, excludeCopyID string) (SlugCheck, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return SlugCheck{}, err
	}
	res, err := s.engine.CheckSlug(ctx, slug, language, excludeCopyID)
	if err != nil {
		return SlugCheck{}, err
	}
	return SlugCheck{
		Slug:              consistency.NormalizeSlug(slug),
		Language:          strings.ToLower(strings.TrimSpace(language)),
		Available:         res.Status == consistency.Free,
		ConflictingCopyID: res.CopyID,
	}, nil
}

func (s *Service) CreateCopy(ctx context.Context, session Session, input consistency.NewCopyInput) (store.Copy, error) {
	if err := s.require(session, rbac.ActionCreate); err != nil {
		return store.Copy{}, err
	}
	created, err := s.engine.CreateCopy(ctx, input)
	if err != nil {
		return store.Copy{}, err
	}
	s.logger.Info("copy created", "copy", created.ID, "group", created.GroupID(), "language", created.Language, "user", session.UserID)
	s.indexGroup(ctx, created)
	return created, nil
}

// indexGroup refreshes every member of c's group, since creating c may have
// adopted, promoted or filled in its relatives.
func (s *Service) indexGroup(ctx context.Context, c store.Copy) {
	if c.GroupID() == "" {
		s.search.IndexCopies(c)
		return
	}
	members, err := s.engine.ListCopies(ctx, store.InGroup(c.GroupID()))
	if err != nil {
		s.logger.Warn("load group for indexing", "group", c.GroupID(), "err", err)
		s.search.IndexCopies(c)
		return
	}
	s.search.IndexCopies(members...)
}

func (s *Service) RenameSlug(ctx context.Context, session Session, input RenameSlugInput) (RenameResponse, error) {
	if !rbac.CanEditSlug(session.Role) {
		return RenameResponse{}, forbidden(string(rbac.ActionEditSlug))
	}
	curator := rbac.IsCurator(session.Role)
	result, err := s.engine.Rename(ctx, consistency.RenameInput{
		CopyID:         input.CopyID,
		NewSlug:        input.Slug,
		CascadeToGroup: input.CascadeToGroup,
		Curator:        curator,
	})
	s.search.IndexCopies(result.Copies...)

	var partial *consistency.PartialCascadeError
	if !errors.As(err, &partial) {
		if err != nil {
			return RenameResponse{}, err
		}
		s.logger.Info("slug renamed", "copy", input.CopyID, "group", result.GroupID,
			"updated", result.Updated, "total", result.Total, "user", session.UserID)
		return RenameResponse{RenameResult: result}, nil
	}
	if !input.CascadeToGroup {
		return RenameResponse{}, fmt.Errorf("rename copy: %w", partial.Err)
	}

	s.logger.Warn("slug cascade incomplete, renaming originating copy only",
		"copy", input.CopyID, "group", partial.GroupID, "updated", partial.Updated, "total", partial.Total, "err", partial.Err)
	single, err := s.engine.Rename(ctx, consistency.RenameInput{
		CopyID:  input.CopyID,
		NewSlug: input.Slug,
		Curator: curator,
	})
	if err != nil {
		s.logger.Error("degraded rename failed", "copy", input.CopyID, "group", partial.GroupID, "err", err)
		return RenameResponse{}, partial
	}
	s.search.IndexCopies(single.Copies...)

	response := RenameResponse{
		RenameResult: consistency.RenameResult{
			Updated: partial.Updated + single.Updated,
			Total:   partial.Total,
			GroupID: partial.GroupID,
			Copies:  append(result.Copies, single.Copies...),
		},
		Degraded: true,
	}
	if partial.GroupID != "" {
		hint := retryHint(partial.GroupID, partial.NewSlug)
		response.Retry = &hint
	}
	return response, nil
}

func (s *Service) RetryCascade(ctx context.Context, session Session, groupID, slug string) (RenameResponse, error) {
	if !rbac.CanEditSlug(session.Role) {
		return RenameResponse{}, forbidden(string(rbac.ActionEditSlug))
	}
	result, err := s.engine.RetryCascade(ctx, consistency.RetryInput{
		GroupID: groupID,
		NewSlug: slug,
		Curator: rbac.IsCurator(session.Role),
	})
	s.search.IndexCopies(result.Copies...)
	if err != nil {
		return RenameResponse{}, err
	}
	s.logger.Info("slug cascade retried", "group", groupID, "updated", result.Updated, "user", session.UserID)
	return RenameResponse{RenameResult: result}, nil
}

func (s *Service) DeleteCopy(ctx context.Context, session Session, id string) (consistency.DeleteResult, error) {
	if err := s.require(session, rbac.ActionDelete); err != nil {
		return consistency.DeleteResult{}, err
	}
	result, err := s.engine.DeleteCopy(ctx, id)
	if err != nil {
		return result, err
	}
	s.search.DeleteCopies(id)
	if result.PromotedID != "" {
		if promoted, err := s.engine.GetCopy(ctx, result.PromotedID); err == nil {
			s.search.IndexCopies(promoted)
		}
	}
	s.logger.Info("copy deleted", "copy", id, "promoted", result.PromotedID, "user", session.UserID)
	return result, nil
}

func (s *Service) DeleteTranslationSet(ctx context.Context, session Session, id string) (int64, error) {
	if err := s.require(session, rbac.ActionDelete); err != nil {
		return 0, err
	}
	ids, err := s.translationSetIDs(ctx, id)
	if err != nil {
		return 0, err
	}
	deleted, err := s.engine.DeleteTranslationSet(ctx, id)
	if err != nil {
		return 0, err
	}
	s.search.DeleteCopies(ids...)
	s.logger.Info("translation set deleted", "copy", id, "deleted", deleted, "user", session.UserID)
	return deleted, nil
}

// translationSetIDs lists the ids a translation set delete will remove, so
// they can be dropped from the search index afterwards.
func (s *Service) translationSetIDs(ctx context.Context, id string) ([]string, error) {
	item, err := s.engine.GetCopy(ctx, id)
	if err != nil {
		return nil, err
	}
	var filter store.Filter
	switch {
	case item.GroupID() != "":
		filter = store.InGroup(item.GroupID())
	case item.Slug != "":
		filter = store.Filter{Slug: store.String(item.Slug), Ungrouped: true}
	default:
		return []string{item.ID}, nil
	}
	members, err := s.engine.ListCopies(ctx, filter)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.ID)
	}
	return ids, nil
}
