package router

import (
	"html"
	"strings"
)

// helpText renders help for path in Telegram HTML.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpTop(root)
	}
	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = strings.ToLower(strings.TrimPrefix(p, "/"))
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[p]; ok && leaf.cmd != nil && len(full) == 0 {
				return helpNode(leaf, splitRoute(leaf.cmd.Route))
			}
			return "未知命令，请发送 <code>/help</code> 查看全部命令"
		}
		cur = n
		full = append(full, p)
	}
	return helpNode(cur, full)
}

func helpTop(root *cmdNode) string {
	lines := []string{"<b>命令列表</b>", "发送 <code>/help &lt;命令&gt;</code> 查看详情", ""}
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		line := "• <code>/" + html.EscapeString(name) + "</code>"
		if d := nodeDesc(n); d != "" {
			line += " : " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func helpNode(cur *cmdNode, full []string) string {
	lines := []string{"<b>帮助</b> <code>/" + html.EscapeString(strings.Join(full, " ")) + "</code>"}
	if c := cur.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "<i>仅限管理员</i>")
		}
		if c.GroupOnly {
			lines = append(lines, "<i>仅限群组</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>用法</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
	}
	if len(cur.children) > 0 {
		lines = append(lines, "", "<b>子命令</b>")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			line := "• <code>/" + html.EscapeString(strings.Join(append(append([]string(nil), full...), name), " ")) + "</code>"
			if d := nodeDesc(n); d != "" {
				line += " : " + html.EscapeString(d)
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// nodeDesc is the command description, or a hint listing subcommands.
func nodeDesc(n *cmdNode) string {
	if n.cmd != nil && strings.TrimSpace(n.cmd.Description) != "" {
		return strings.TrimSpace(n.cmd.Description)
	}
	if len(n.children) == 0 {
		return ""
	}
	return "子命令: " + strings.Join(n.childNames(), ", ")
}
