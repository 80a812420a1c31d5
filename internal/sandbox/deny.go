package sandbox

import (
	"strings"
)

// shellDenyList contains substrings that must not appear in shell command
// lines a coding tool asks to run.
var shellDenyList = []string{
	"rm -rf .git",
	"rm -rf .cloud-code",
	"chmod 777",
	"curl | sh",
	"wget | sh",
	"curl | bash",
	"wget | bash",
	"| sh",
	"| bash",
	"eval $(",
	"> /dev/sd",
	"mkfs.",
	":(){ :|:& };:", // fork bomb
}

// disallowedGitCommands are git command prefixes that workers must not run.
// Branch topology (fetch, push, checkout, worktrees) is managed by the
// dispatcher only; workers only add and commit.
var disallowedGitCommands = []string{
	"git rebase",
	"git merge",
	"git pull",
	"git push",
	"git fetch",
	"git checkout",
	"git switch",
	"git reset --hard",
	"git worktree",
	"git branch ",
	"git branch -",
	"git remote",
	"git filter-branch",
	"git reflog expire",
}

// controlFiles are channel documents a worker tool must never touch directly:
// the dispatcher owns tasking.yaml and the worker loop owns reporting.yaml.
var controlFiles = []string{
	".cloud-code/tasking.yaml",
	".cloud-code/reporting.yaml",
	".cloud-code/credentials",
}

// BlockedShellCommand returns true if the command line contains any denied
// substring or touches a protocol control file. Matching is case-insensitive.
func BlockedShellCommand(cmdLine string) bool {
	lower := strings.ToLower(strings.TrimSpace(cmdLine))
	for _, deny := range shellDenyList {
		if strings.Contains(lower, strings.ToLower(deny)) {
			return true
		}
	}
	for _, cf := range controlFiles {
		if strings.Contains(lower, cf) && (strings.Contains(lower, ">") ||
			strings.HasPrefix(lower, "rm ") || strings.Contains(lower, "mv ") ||
			strings.Contains(lower, "cp ")) {
			return true
		}
	}
	return false
}

// BlockedGitCommand returns true if the given git arguments (after "git" in
// argv) represent a disallowed git command.
func BlockedGitCommand(args []string) bool {
	if len(args) == 0 {
		return false
	}
	cmdLine := "git " + strings.TrimSpace(strings.Join(args, " "))
	lower := strings.ToLower(cmdLine)
	for _, dis := range disallowedGitCommands {
		if strings.HasPrefix(lower, strings.ToLower(dis)) {
			return true
		}
	}
	return false
}
