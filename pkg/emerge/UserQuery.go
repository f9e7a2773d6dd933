package emerge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ppphp/emergo/pkg/output"
)

// ErrInterrupted is returned when the input ends before an answer.
var ErrInterrupted = errors.New("interrupted")

type UserQuery struct {
	Alert bool
	in    *bufio.Reader
	out   io.Writer
}

func NewUserQuery(in io.Reader, out io.Writer, alert bool) *UserQuery {
	return &UserQuery{Alert: alert, in: bufio.NewReader(in), out: out}
}

// Query asks prompt until one of responses, or a prefix of it, is typed.
// An empty line picks the first response unless enterInvalid is set.
func (u *UserQuery) Query(prompt string, enterInvalid bool, responses ...string) (string, error) {
	colours := []func(string) string{
		output.NewCreateColorFunc("PROMPT_CHOICE_DEFAULT"),
		output.NewCreateColorFunc("PROMPT_CHOICE_OTHER"),
	}
	if len(responses) == 0 {
		responses = []string{"Yes", "No"}
	}
	if u.Alert {
		prompt = "\a" + prompt
	}
	fmt.Fprint(u.out, output.Bold(prompt)+" ")
	rs := make([]string, len(responses))
	for i, r := range responses {
		rs[i] = colours[i%len(colours)](r)
	}
	for {
		fmt.Fprintf(u.out, "[%s] ", strings.Join(rs, "/"))
		line, err := u.in.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(u.out, "Interrupted.")
			return "", ErrInterrupted
		}
		response := strings.TrimSpace(line)
		if response == "" && !enterInvalid {
			return responses[0], nil
		}
		if response != "" {
			for _, key := range responses {
				if len(response) <= len(key) && strings.EqualFold(response, key[:len(response)]) {
					return key, nil
				}
			}
		}
		fmt.Fprintf(u.out, "Sorry, response '%s' not understood. ", response)
	}
}
