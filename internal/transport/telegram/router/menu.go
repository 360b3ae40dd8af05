package router

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	kit "apexbot/internal/transport"
)

// sanitizeTelegramCommand maps s to Telegram's command charset
// [a-z0-9_]{1,32}. Separators become underscores; anything else is dropped.
func sanitizeTelegramCommand(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	last := byte('_')
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			last = byte(r)
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if last != '_' {
				b.WriteByte('_')
				last = '_'
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		return ""
	}
	return out
}

// buildTelegramMenuCommands lists top-level commands first, then
// underscore shortcuts for subcommands ("/apex_add").
func buildTelegramMenuCommands(root *cmdNode, cmds []Command) []kit.BotCommand {
	type entry struct {
		cmd, desc string
		prio      int
	}
	seen := map[string]bool{}
	var entries []entry
	add := func(cmd, desc string, prio int) {
		cmd = sanitizeTelegramCommand(cmd)
		if cmd == "" || seen[cmd] {
			return
		}
		seen[cmd] = true
		desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
		if desc == "" {
			desc = cmd
		}
		entries = append(entries, entry{cmd: cmd, desc: truncateRunes(desc, 256), prio: prio})
	}

	for _, name := range root.childNames() {
		n, _ := root.child(name)
		add(name, nodeDesc(n), 0)
	}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		add(strings.Join(route, "_"), c.Description, 1)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].prio != entries[j].prio {
			return entries[i].prio < entries[j].prio
		}
		return entries[i].cmd < entries[j].cmd
	})
	out := make([]kit.BotCommand, 0, len(entries))
	for _, e := range entries {
		if len(out) == 100 {
			break
		}
		out = append(out, kit.BotCommand{Command: e.cmd, Description: e.desc})
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
