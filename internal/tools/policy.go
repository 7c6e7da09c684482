package tools

import (
	"regexp"
	"sync"

	"github.com/haasonsaas/mira/pkg/models"
)

// Tool capability classes drive both ToolAccess filtering and the
// approval default: write and shell tools need a matching permission
// rule or an auto-approving operation.
var writeTools = map[string]bool{
	"write_file":          true,
	"record_correction":   true,
	"validate_correction": true,
	"remember":            true,
	"create_task":         true,
	"update_task":         true,
	"complete_task":       true,
	"record_build":        true,
	"record_build_error":  true,
	"resolve_error":       true,
	"record_error_fix":    true,
}

var shellTools = map[string]bool{
	"run_shell": true,
}

var spawnTools = map[string]bool{
	"spawn_agent":           true,
	"spawn_agents_parallel": true,
}

// requiresApproval reports whether a tool mutates state or executes
// commands.
func requiresApproval(name string) bool {
	return writeTools[name] || shellTools[name]
}

// Allowed evaluates a ToolAccess against a tool name.
//
// ReadOnly forbids anything that writes files or executes shell.
// ResearchSafe additionally allows web and memory writes but still no
// file writes or shell. Full allows everything. An explicit allow-list
// overrides the named policy.
func Allowed(access models.ToolAccess, name string) bool {
	if len(access.AllowList) > 0 {
		for _, allowed := range access.AllowList {
			if allowed == name {
				return true
			}
		}
		return false
	}
	switch access.Policy {
	case models.AccessReadOnly:
		return !writeTools[name] && !shellTools[name] && !spawnTools[name]
	case models.AccessResearchSafe:
		return !shellTools[name] && name != "write_file"
	case models.AccessFull:
		return true
	default:
		return false
	}
}

// AllowFunc adapts a ToolAccess into the Schemas filter shape.
func AllowFunc(access models.ToolAccess) func(string) bool {
	return func(name string) bool { return Allowed(access, name) }
}

var (
	regexCacheMu sync.Mutex
	regexCache   = map[string]*regexp.Regexp{}
)

func regexMatch(pattern, value string) bool {
	regexCacheMu.Lock()
	re, ok := regexCache[pattern]
	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			regexCacheMu.Unlock()
			return false
		}
		regexCache[pattern] = re
	}
	regexCacheMu.Unlock()
	return re.MatchString(value)
}
