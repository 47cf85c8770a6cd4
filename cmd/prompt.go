package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
)

// interactive reports whether stdin is a terminal that can answer prompts.
func interactive() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// runForm shows fields with help hints. Aborting the form (ctrl+c) is
// reported as context.Canceled so the CLI prints "Interrupted.".
func runForm(title string, fields ...huh.Field) error {
	if !interactive() {
		return fmt.Errorf("%s: input required but stdin is not a terminal (use the command flags)", title)
	}
	err := huh.NewForm(huh.NewGroup(fields...)).WithShowHelp(true).Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return context.Canceled
	}
	return err
}

// promptString asks for one line of text. An empty answer returns
// defaultVal, which is shown as the placeholder.
func promptString(title, description, defaultVal string) (string, error) {
	var value string
	inp := huh.NewInput().
		Title(title).
		Description(description).
		Placeholder(defaultVal).
		Value(&value).
		Validate(func(s string) error {
			if s == "" && defaultVal == "" {
				return errors.New("a value is required")
			}
			return nil
		})

	if err := runForm(title, inp); err != nil {
		return "", err
	}
	if value == "" {
		return defaultVal, nil
	}
	return value, nil
}

// SelectOption is one entry of promptSelect.
type SelectOption[T any] struct {
	Label string
	Value T
}

// promptSelect returns the value of the chosen option.
func promptSelect[T comparable](title string, options []SelectOption[T], defaultIdx int) (T, error) {
	var value T
	opts := make([]huh.Option[T], len(options))
	for i, opt := range options {
		opts[i] = huh.NewOption(opt.Label, opt.Value).Selected(i == defaultIdx)
	}
	sel := huh.NewSelect[T]().Title(title).Options(opts...).Value(&value)

	if err := runForm(title, sel); err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// promptConfirm asks a yes/no question; security questions default to no.
func promptConfirm(title string, defaultYes bool) (bool, error) {
	value := defaultYes
	c := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&value)

	if err := runForm(title, c); err != nil {
		return false, err
	}
	return value, nil
}
