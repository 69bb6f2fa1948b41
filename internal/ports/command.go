package ports

import (
	"regexp"
	"strconv"
)

// CommandPort is a literal port found inside a shell command.
type CommandPort struct {
	Port  int
	Match string
}

// portForms are the shapes a literal port takes inside a start command, most
// specific first. Each has exactly one capture group: the text before the port.
var portForms = []string{
	`(--port[=\s]+)`,
	`(--PORT[=\s]+)`,
	`(\s-p[=\s]*)`,
	`(\bPORT=)`,
	`(-Dserver\.port=)`,
	`(localhost:)`,
	`(127\.0\.0\.1:)`,
	`(0\.0\.0\.0:)`,
	`(:)`,
}

var extractPatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(portForms))
	for i, form := range portForms {
		out[i] = regexp.MustCompile(form + `(\d{2,5})\b`)
	}
	return out
}()

// ExtractPort finds the first literal port in command.
func ExtractPort(command string) (CommandPort, bool) {
	for _, re := range extractPatterns {
		m := re.FindStringSubmatch(command)
		if len(m) < 3 {
			continue
		}
		port, err := strconv.Atoi(m[2])
		if err == nil && port > 0 && port <= 65535 {
			return CommandPort{Port: port, Match: m[0]}, true
		}
	}
	return CommandPort{}, false
}

// ShiftPort rewrites the literal oldPort in command to newPort. It reports
// false and returns command unchanged when oldPort does not appear in any
// known form.
func ShiftPort(command string, oldPort, newPort int) (string, bool) {
	old := strconv.Itoa(oldPort)
	for _, form := range portForms {
		re := regexp.MustCompile(form + old + `\b`)
		if re.MatchString(command) {
			return re.ReplaceAllString(command, "${1}"+strconv.Itoa(newPort)), true
		}
	}
	return command, false
}
