package sqlstore

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"copydesk/api/internal/store"
	"copydesk/api/internal/util"
)

var _ store.CopyStore = (*Store)(nil)

const copiesTable = "copies"

var copyColumns = []string{
	"id",
	"slug",
	"language",
	"text",
	"status",
	"translation_group_id",
	"is_original_text",
	"needs_slug_review",
	"created_at",
	"updated_at",
}

type Store struct {
	db      *sqlx.DB
	builder sq.StatementBuilderType
	now     func() time.Time
}

func New(db *sqlx.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(dialect.placeholder),
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

func (s *Store) FindOne(ctx context.Context, filter store.Filter) (store.Copy, error) {
	items, err := s.selectCopies(ctx, filter, 1)
	if err != nil {
		return store.Copy{}, err
	}
	if len(items) == 0 {
		return store.Copy{}, store.ErrNotFound
	}
	return items[0], nil
}

func (s *Store) FindMany(ctx context.Context, filter store.Filter) ([]store.Copy, error) {
	return s.selectCopies(ctx, filter, 0)
}

func (s *Store) selectCopies(ctx context.Context, filter store.Filter, limit uint64) ([]store.Copy, error) {
	query := s.builder.Select(copyColumns...).From(copiesTable).OrderBy("created_at", "id")
	if where := whereClause(filter); len(where) > 0 {
		query = query.Where(where)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	text, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	items := make([]store.Copy, 0)
	if err := s.db.SelectContext(ctx, &items, text, args...); err != nil {
		return nil, store.Unavailable("select copies", err)
	}
	return items, nil
}

func (s *Store) InsertOne(ctx context.Context, item store.Copy) (store.Copy, error) {
	if item.ID == "" {
		item.ID = util.NewID("cpy")
	}
	now := s.now()
	item.CreatedAt = now
	item.UpdatedAt = now

	text, args, err := s.builder.Insert(copiesTable).Columns(copyColumns...).Values(
		item.ID,
		item.Slug,
		item.Language,
		item.Text,
		string(item.Status),
		item.TranslationGroupID,
		item.IsOriginalText,
		item.NeedsSlugReview,
		item.CreatedAt,
		item.UpdatedAt,
	).ToSql()
	if err != nil {
		return store.Copy{}, err
	}
	if _, err := s.db.ExecContext(ctx, text, args...); err != nil {
		return store.Copy{}, store.Unavailable("insert copy", err)
	}
	return item, nil
}

func (s *Store) UpdateOne(ctx context.Context, id string, patch store.Patch) (store.Copy, error) {
	affected, err := s.update(ctx, store.ByID(id), patch)
	if err != nil {
		return store.Copy{}, err
	}
	if affected == 0 {
		return store.Copy{}, store.ErrNotFound
	}
	return s.FindOne(ctx, store.ByID(id))
}

func (s *Store) UpdateMany(ctx context.Context, filter store.Filter, patch store.Patch) (int64, error) {
	if filter.IsEmpty() {
		return 0, store.ErrEmptyFilter
	}
	return s.update(ctx, filter, patch)
}

func (s *Store) update(ctx context.Context, filter store.Filter, patch store.Patch) (int64, error) {
	text, args, err := s.builder.Update(copiesTable).
		SetMap(patchColumns(patch, s.now())).
		Where(whereClause(filter)).
		ToSql()
	if err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx, text, args...)
	if err != nil {
		return 0, store.Unavailable("update copies", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, store.Unavailable("update copies rows affected", err)
	}
	return affected, nil
}

func (s *Store) DeleteMany(ctx context.Context, filter store.Filter) (int64, error) {
	if filter.IsEmpty() {
		return 0, store.ErrEmptyFilter
	}
	text, args, err := s.builder.Delete(copiesTable).Where(whereClause(filter)).ToSql()
	if err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx, text, args...)
	if err != nil {
		return 0, store.Unavailable("delete copies", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, store.Unavailable("delete copies rows affected", err)
	}
	return affected, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable("ping db", s.db.PingContext(ctx))
}

func whereClause(filter store.Filter) sq.And {
	where := sq.And{}
	if len(filter.IDs) > 0 {
		where = append(where, sq.Eq{"id": filter.IDs})
	}
	if filter.Slug != nil {
		where = append(where, sq.Eq{"slug": *filter.Slug})
	}
	if filter.Language != nil {
		where = append(where, sq.Eq{"language": *filter.Language})
	}
	if filter.Text != nil {
		where = append(where, sq.Eq{"text": *filter.Text})
	}
	if len(filter.GroupIDs) > 0 {
		where = append(where, sq.Eq{"translation_group_id": filter.GroupIDs})
	}
	if filter.Ungrouped {
		where = append(where, sq.Eq{"translation_group_id": nil})
	}
	if len(filter.ExcludeIDs) > 0 {
		where = append(where, sq.NotEq{"id": filter.ExcludeIDs})
	}
	return where
}

func patchColumns(patch store.Patch, now time.Time) map[string]interface{} {
	set := map[string]interface{}{"updated_at": now}
	if patch.Slug != nil {
		set["slug"] = *patch.Slug
	}
	if patch.Text != nil {
		set["text"] = *patch.Text
	}
	if patch.Status != nil {
		set["status"] = string(*patch.Status)
	}
	if patch.TranslationGroupID != nil {
		set["translation_group_id"] = *patch.TranslationGroupID
	}
	if patch.IsOriginalText != nil {
		set["is_original_text"] = *patch.IsOriginalText
	}
	if patch.NeedsSlugReview != nil {
		set["needs_slug_review"] = *patch.NeedsSlugReview
	}
	return set
}
