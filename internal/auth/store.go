package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stormcrm.dev/internal/store"
)

// Column names of the users entity.
const (
	fieldEmail        = "email"
	fieldPasswordHash = "password_hash"
	fieldRole         = "role"
	fieldFirstName    = "first_name"
	fieldLastName     = "last_name"
	fieldIsActive     = "is_active"
	fieldLastLoginAt  = "last_login_at"
)

func findIdentity(ctx context.Context, q store.Querier, id string) (Identity, error) {
	rec, err := store.QueryOne(ctx, q, store.FetchByID{Entity: store.Users, ID: id})
	if err != nil {
		return Identity{}, mapStoreErr(err)
	}
	return identityFromRecord(rec)
}

func findIdentityByEmail(ctx context.Context, q store.Querier, email string) (Identity, error) {
	rec, err := store.QueryOne(ctx, q, store.FetchByUniqueField{
		Entity: store.Users,
		Field:  fieldEmail,
		Value:  NormalizeEmail(email),
	})
	if err != nil {
		return Identity{}, mapStoreErr(err)
	}
	return identityFromRecord(rec)
}

func insertIdentity(ctx context.Context, q store.Querier, id Identity) (Identity, error) {
	rec, err := store.QueryOne(ctx, q, store.InsertInto{
		Entity: store.Users,
		Values: store.Record{
			fieldEmail:        id.Email,
			fieldPasswordHash: id.PasswordHash,
			fieldRole:         string(id.Role),
			fieldFirstName:    id.FirstName,
			fieldLastName:     id.LastName,
			fieldIsActive:     id.IsActive,
		},
	})
	if err != nil {
		return Identity{}, mapStoreErr(err)
	}
	return identityFromRecord(rec)
}

func updateIdentity(ctx context.Context, q store.Querier, id string, values store.Record) (Identity, error) {
	rec, err := store.QueryOne(ctx, q, store.UpdateByID{Entity: store.Users, ID: id, Values: values})
	if err != nil {
		return Identity{}, mapStoreErr(err)
	}
	return identityFromRecord(rec)
}

func listIdentities(ctx context.Context, q store.Querier) ([]Identity, error) {
	res, err := q.Query(ctx, store.ListAll{Entity: store.Users})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	out := make([]Identity, 0, len(res.Rows))
	for _, rec := range res.Rows {
		id, err := identityFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrDuplicate):
		return ErrEmailTaken
	default:
		return err
	}
}

func identityFromRecord(rec store.Record) (Identity, error) {
	role := Role(rec.String(fieldRole))
	if !role.Valid() {
		return Identity{}, fmt.Errorf("auth: user %s has unknown role %q", rec.String(store.FieldID), role)
	}
	id := Identity{
		ID:           rec.String(store.FieldID),
		Email:        rec.String(fieldEmail),
		PasswordHash: rec.String(fieldPasswordHash),
		Role:         role,
		FirstName:    rec.String(fieldFirstName),
		LastName:     rec.String(fieldLastName),
		IsActive:     rec.Bool(fieldIsActive),
		CreatedAt:    recordTime(rec, store.FieldCreatedAt),
		UpdatedAt:    recordTime(rec, store.FieldUpdatedAt),
	}
	if t := recordTime(rec, fieldLastLoginAt); !t.IsZero() {
		id.LastLoginAt = &t
	}
	return id, nil
}

func recordTime(rec store.Record, key string) time.Time {
	switch v := rec[key].(type) {
	case time.Time:
		return v.UTC()
	case *time.Time:
		if v != nil {
			return v.UTC()
		}
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
