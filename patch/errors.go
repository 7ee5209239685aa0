package patch

import (
	"fmt"

	"github.com/thebinaryloop/binstash/errs"
)

func errOverrun(run string, at, n, have int) error {
	return errs.New(errs.InvalidFormat, fmt.Errorf("patch: %s run at %d needs %d items, only %d available", run, at, n, have))
}

func errFinalCount(got, want int) error {
	return errs.New(errs.InvalidFormat, fmt.Errorf("patch: edit script produced %d items, want %d", got, want))
}
