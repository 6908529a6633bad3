package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dalnet/ircmq/internal/acl"
	"github.com/dalnet/ircmq/internal/irc"
	"go.uber.org/zap"
)

// outcome is the result of trying a command as a built-in.
type outcome int

const (
	handled    outcome = iota // ran and replied
	failed                    // ran and replied with an error
	notBuiltin                // belongs to a plugin
)

const (
	usageAddACL = "Usage: addacl user|group <user|group> group|cmd <group-name|cmd-name>"
	usageDelACL = "Usage: delacl <user> group|cmd <group-name|cmd-name>"

	adminGroup = "sysops"
)

var builtinCatalog = []Command{
	{Name: "addacl", Description: "Add an ACL, format: addacl user|group <user|group> group|cmd <group-name|cmd-name>", Group: adminGroup},
	{Name: "delacl", Description: "Remove an ACL, format: delacl <user> group|cmd <group-name|cmd-name>", Group: adminGroup},
	{Name: "listacls", Description: "List all ACLs for a user or group", Group: adminGroup},
	{Name: "forget", Description: "Forget a person; removes all ACLs for that nick", Group: adminGroup},
	{Name: "meet", Description: "Use this when a user (nick) has a new hostname", Group: adminGroup},
	{Name: "commands", Description: "Show list of known commands"},
	{Name: "help", Description: "Help for commands, parameter is the command to get help for"},
	{Name: "more", Description: "Continue outputting a too long line of text"},
}

type builtinFunc func(g *Gateway, ctx context.Context, words []string) outcome

var builtins map[string]builtinFunc

func init() {
	builtins = map[string]builtinFunc{
		"addacl":   (*Gateway).addACL,
		"delacl":   (*Gateway).delACL,
		"listacls": (*Gateway).listACLs,
		"forget":   (*Gateway).forget,
		"meet":     (*Gateway).meet,
		"commands": (*Gateway).commands,
		"help":     (*Gateway).help,
		"more":     (*Gateway).moreCmd,
	}
}

// runBuiltin executes words[0] if it is a built-in. words[0] is the
// command name, the rest its arguments.
func (g *Gateway) runBuiltin(ctx context.Context, words []string) outcome {
	fn, ok := builtins[words[0]]
	if !ok {
		return notBuiltin
	}
	return fn(g, ctx, words)
}

// aclArgs is a parsed addacl/delacl argument list.
type aclArgs struct {
	kind    string // "user", "group" or "" when not given
	subject string
	key     string // "group" or "cmd"
	value   string
}

// parseACLArgs accepts "<name> [user|group] <subject> group|cmd <value>".
func parseACLArgs(words []string) (aclArgs, bool) {
	var a aclArgs
	i := 1
	if i < len(words) && (words[i] == "user" || words[i] == "group") && len(words) > i+3 {
		a.kind = words[i]
		i++
	}
	if len(words) != i+3 {
		return aclArgs{}, false
	}
	a.subject, a.key, a.value = words[i], words[i+1], words[i+2]
	if a.key != "group" && a.key != "cmd" {
		return aclArgs{}, false
	}
	return a, true
}

// resolveSubject maps a nick, identity or group name to what the ACL store
// keys on. Nicks not in the directory are looked up with WHO unless kind
// says the subject is a group.
func (g *Gateway) resolveSubject(ctx context.Context, kind, name string) (string, bool) {
	if id, ok := g.dir.Lookup(name); ok && id != irc.Pending {
		return id, true
	}
	if strings.Contains(name, "!") || kind == "group" {
		return name, true
	}
	isGroup, err := g.acl.IsGroup(ctx, name)
	if err != nil {
		g.log.Warn("group lookup failed", zap.String("name", name), zap.Error(err))
	}
	if isGroup {
		return name, true
	}
	return g.dir.Resolve(ctx, g.irc, name)
}

func (g *Gateway) addACL(ctx context.Context, words []string) outcome {
	a, ok := parseACLArgs(words)
	if !ok {
		g.replyError(usageAddACL)
		return failed
	}
	id, ok := g.resolveSubject(ctx, a.kind, a.subject)
	if !ok {
		g.replyError(fmt.Sprintf("User or group %s is not known", a.subject))
		return failed
	}

	switch a.key {
	case "group":
		if err := g.acl.GroupAdd(ctx, id, a.value); err != nil {
			g.replyError(fmt.Sprintf("failed to insert group member (%v)", err))
			return failed
		}
		g.replyOK(fmt.Sprintf("User %s added to group %s", id, a.value))
	case "cmd":
		if _, known := g.registry.Lookup(a.value); !known {
			g.replyError(fmt.Sprintf("ACL added for user %s for command %s NOT added: command/plugin not known", id, a.value))
			return handled
		}
		if err := g.acl.Grant(ctx, id, a.value); err != nil {
			g.replyError(fmt.Sprintf("failed to insert acl (%v)", err))
			return failed
		}
		g.replyOK(fmt.Sprintf("ACL added for user %s for command %s", id, a.value))
	}
	return handled
}

func (g *Gateway) delACL(ctx context.Context, words []string) outcome {
	a, ok := parseACLArgs(words)
	if !ok {
		g.replyError(usageDelACL)
		return failed
	}
	id, ok := g.resolveSubject(ctx, a.kind, a.subject)
	if !ok {
		g.replyError(fmt.Sprintf("User or group %s is not known", a.subject))
		return failed
	}

	switch a.key {
	case "group":
		if err := g.acl.GroupDel(ctx, id, a.value); err != nil {
			g.replyError(fmt.Sprintf("failed to delete group member (%v)", err))
			return failed
		}
		g.replyOK(fmt.Sprintf("User %s removed from group %s", id, a.value))
	case "cmd":
		if err := g.acl.Revoke(ctx, id, a.value); err != nil {
			g.replyError(fmt.Sprintf("failed to delete acl (%v)", err))
			return failed
		}
		g.replyOK(fmt.Sprintf("ACL removed for user %s for command %s", id, a.value))
	}
	return handled
}

func (g *Gateway) listACLs(ctx context.Context, words []string) outcome {
	if len(words) != 2 {
		g.replyError("Please provide a nick")
		return failed
	}
	id, ok := g.resolveSubject(ctx, "", words[1])
	if !ok {
		g.replyError(fmt.Sprintf("User or group %s is not known", words[1]))
		return failed
	}
	held, err := g.acl.List(ctx, id)
	if err != nil {
		g.replyError(fmt.Sprintf("failed to list acls (%v)", err))
		return failed
	}
	g.replyOK(fmt.Sprintf("ACLs for user %s: \"%s\"", id, strings.Join(held, ", ")))
	return handled
}

func (g *Gateway) forget(ctx context.Context, words []string) outcome {
	if len(words) != 2 {
		g.replyError("User not specified")
		return failed
	}
	nick := words[1]
	if err := g.acl.ForgetAll(ctx, nick); err != nil {
		if !errors.Is(err, acl.ErrNotFound) {
			g.log.Error("forget failed", zap.String("nick", nick), zap.Error(err))
		}
		g.replyError(fmt.Sprintf("User %s not known or some other error", nick))
		return failed
	}
	g.replyOK(fmt.Sprintf("User %s forgotten", nick))
	return handled
}

func (g *Gateway) meet(ctx context.Context, words []string) outcome {
	if len(words) != 2 {
		g.replyError(fmt.Sprintf("Meet parameter missing (%d given)", len(words)-1))
		return failed
	}
	nick := words[1]
	id, ok := g.dir.Resolve(ctx, g.irc, nick)
	if !ok {
		g.replyError(fmt.Sprintf("User %s is not known", nick))
		return failed
	}
	if err := g.acl.Rename(ctx, nick, id); err != nil {
		g.replyError(fmt.Sprintf("failed to update acls (%v)", err))
		return failed
	}
	g.replyOK(fmt.Sprintf("User %s updated to %s", nick, id))
	return handled
}

func (g *Gateway) commands(_ context.Context, _ []string) outcome {
	g.replyOK("Known commands: " + strings.Join(g.registry.Names(), ", "))
	return handled
}

func (g *Gateway) help(ctx context.Context, words []string) outcome {
	if len(words) != 2 {
		return g.commands(ctx, words)
	}
	c, ok := g.registry.Lookup(words[1])
	if !ok {
		g.replyError("Command/plugin not known")
		return failed
	}
	group := c.Group
	if group == "" {
		group = "none"
	}
	g.replyOK(fmt.Sprintf("Command %s: %s (group: %s)", c.Name, c.Description, group))
	return handled
}

func (g *Gateway) moreCmd(_ context.Context, _ []string) outcome {
	text, ok := g.more.Next()
	if !ok {
		g.say("No more ~more")
		return handled
	}
	g.say(text)
	return handled
}
