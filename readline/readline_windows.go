package readline

import "golang.org/x/term"

func suspend(int, *term.State) error {
	return nil
}
