// Steps is a sample plugin that serves a few dictionary steps for manual
// testing of the dictstep CLI.
package main

import (
	"context"
	"fmt"

	"go.hackfix.me/dictstep/schema"
	"go.hackfix.me/dictstep/sdk"
	"go.hackfix.me/dictstep/step"
)

func main() {
	sdk.Serve(step.Module{Name: "contacts", Steps: contactSteps})
}

func contactSteps() ([]step.Definition, error) {
	return []step.Definition{
		{
			Name:        "Contact",
			Number:      1,
			State:       step.StateReleased,
			Description: "Create the contact table",
			New: func() (step.Step, error) {
				return step.Func(func(ctx context.Context, u step.Unit) error {
					return u.CreateTable(ctx, "contact",
						schema.Column{Name: "id", Type: "INTEGER", NotNull: true},
						schema.Column{Name: "name", Type: "TEXT", NotNull: true})
				}), nil
			},
		},
		{
			Name:        "Contact",
			Number:      2,
			State:       step.StateReleased,
			Description: "Add the email column to the contact table",
			New: func() (step.Step, error) {
				return step.Func(func(ctx context.Context, u step.Unit) error {
					if u.Model().Table(u.Table("contact")) == nil {
						return fmt.Errorf("table '%s' doesn't exist", u.Table("contact"))
					}
					u.Progress("adding email column")
					return u.AddColumn(ctx, "contact", schema.Column{Name: "email", Type: "TEXT"})
				}), nil
			},
		},
		{
			Name:        "Contact",
			Number:      step.UninstallNumber,
			State:       step.StateReleased,
			Description: "Drop the contact table",
			New: func() (step.Step, error) {
				return step.Func(func(ctx context.Context, u step.Unit) error {
					return u.DropTable(ctx, "contact")
				}), nil
			},
		},
		{
			Name:        "ContactIndex",
			Number:      1,
			State:       step.StatePending,
			Description: "Index contacts by name",
			New: func() (step.Step, error) {
				return step.Func(func(ctx context.Context, u step.Unit) error {
					return u.Exec(ctx, fmt.Sprintf("CREATE INDEX %s ON %s (name)",
						schema.QuoteIdent(u.Table("contact_name_idx")), schema.QuoteIdent(u.Table("contact"))))
				}), nil
			},
		},
	}, nil
}
