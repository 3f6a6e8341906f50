package root

import (
	"github.com/zenGate-Global/palmyra-roster/apps/cli/cmd/auth"
	importscmd "github.com/zenGate-Global/palmyra-roster/apps/cli/cmd/imports"
	migratecmd "github.com/zenGate-Global/palmyra-roster/apps/cli/cmd/migrate"
)

func init() {
	Root().AddCommand(auth.Command())
	Root().AddCommand(migratecmd.Command())
	Root().AddCommand(importscmd.Command())
}
