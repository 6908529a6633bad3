// Package acl decides whether an IRC identity may run a command, and edits
// the grants and group memberships that decision is based on.
package acl

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Catalog reports the access group a command was registered with.
// registered is false for commands nobody announced.
type Catalog interface {
	RequiredGroup(command string) (group string, registered bool)
}

// Engine answers authorization queries against a Store.
type Engine struct {
	store   Store
	catalog Catalog
	log     *zap.Logger
}

// NewEngine creates an engine over store. catalog supplies registered groups.
func NewEngine(store Store, catalog Catalog, log *zap.Logger) *Engine {
	return &Engine{
		store:   store,
		catalog: catalog,
		log:     log.Named("acl"),
	}
}

// Authorize reports whether identity ("nick!user@host") may run command.
// In order: a registered command with no group is public; a direct grant
// allows; a grant to any group identity belongs to allows; membership in
// the command's registered group allows. Anything else is denied.
func (e *Engine) Authorize(ctx context.Context, identity, command string) (bool, error) {
	group, registered := e.catalog.RequiredGroup(command)
	if registered && group == "" {
		return true, nil
	}

	who := strings.ToLower(identity)
	cmd := strings.ToLower(command)

	ok, err := e.store.HasGrant(ctx, cmd, who)
	if err != nil || ok {
		return ok, err
	}

	ok, err = e.store.HasGroupGrant(ctx, cmd, who)
	if err != nil || ok {
		return ok, err
	}

	if registered {
		ok, err = e.store.InGroup(ctx, who, strings.ToLower(group))
		if err != nil || ok {
			return ok, err
		}
	}

	e.log.Debug("denied", zap.String("who", who), zap.String("command", cmd))
	return false, nil
}

// Grant lets subject (an identity or a group name) run command.
func (e *Engine) Grant(ctx context.Context, subject, command string) error {
	return e.store.AddGrant(ctx, strings.ToLower(command), strings.ToLower(subject))
}

// Revoke takes command away from subject.
func (e *Engine) Revoke(ctx context.Context, subject, command string) error {
	return e.store.DeleteGrant(ctx, strings.ToLower(command), strings.ToLower(subject))
}

// GroupAdd makes subject a member of group.
func (e *Engine) GroupAdd(ctx context.Context, subject, group string) error {
	return e.store.AddMember(ctx, strings.ToLower(subject), strings.ToLower(group))
}

// GroupDel removes subject from group.
func (e *Engine) GroupDel(ctx context.Context, subject, group string) error {
	return e.store.DeleteMember(ctx, strings.ToLower(subject), strings.ToLower(group))
}

// ForgetAll drops every grant and membership of any identity whose nick is
// nick. Identities that merely start with the same letters are untouched.
func (e *Engine) ForgetAll(ctx context.Context, nick string) error {
	return e.store.Forget(ctx, strings.ToLower(nick))
}

// Rename moves everything held by nick's identities to identity.
func (e *Engine) Rename(ctx context.Context, nick, identity string) error {
	return e.store.Rename(ctx, strings.ToLower(nick), strings.ToLower(identity))
}

// List returns the commands and groups subject holds directly.
func (e *Engine) List(ctx context.Context, subject string) ([]string, error) {
	return e.store.List(ctx, strings.ToLower(subject))
}

// IsGroup reports whether name has at least one member.
func (e *Engine) IsGroup(ctx context.Context, name string) (bool, error) {
	return e.store.IsGroup(ctx, strings.ToLower(name))
}
