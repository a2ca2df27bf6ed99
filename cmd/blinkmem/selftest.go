// Copyright 2025 The Blink Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/rsamnz/blink/pkg/guestarch"
	"github.com/rsamnz/blink/pkg/log"
	"github.com/rsamnz/blink/pkg/machine"
)

// selftestCmd implements subcommands.Command for the "selftest" command.
type selftestCmd struct{}

// Name implements subcommands.Command.
func (*selftestCmd) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.
func (*selftestCmd) Synopsis() string {
	return "exercises reservation, commit, copy and string loading"
}

// Usage implements subcommands.Command.
func (*selftestCmd) Usage() string {
	return `selftest`
}

// SetFlags implements subcommands.Command.
func (*selftestCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*selftestCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	s := machine.NewSystem(machine.SystemOpts{})
	defer s.Destroy()
	m := machine.NewMachine(s)
	defer m.Destroy()

	const base = int64(0x400000)
	if err := m.ReserveVirtual(base, 64*guestarch.PageSize, guestarch.PteRsrv|guestarch.PteWrite|guestarch.PteUser); err != nil {
		log.Warningf("reserve: %v", err)
		return subcommands.ExitFailure
	}

	// A page-crossing write, read back.
	want := bytes.Repeat([]byte("paging"), 2048)
	if err := m.CopyToUserWrite(base+3000, want); err != nil {
		log.Warningf("copy to guest: %v", err)
		return subcommands.ExitFailure
	}
	got := make([]byte, len(want))
	if err := m.CopyFromUser(got, base+3000); err != nil {
		log.Warningf("copy from guest: %v", err)
		return subcommands.ExitFailure
	}
	if !bytes.Equal(got, want) {
		log.Warningf("round trip mismatch")
		return subcommands.ExitFailure
	}

	// A guest string crossing a page boundary.
	str := append(bytes.Repeat([]byte{'a'}, 5000), 0)
	if err := m.CopyToUser(base+16*guestarch.PageSize, str); err != nil {
		log.Warningf("string write: %v", err)
		return subcommands.ExitFailure
	}
	if r := m.LoadStr(base + 16*guestarch.PageSize); len(r) != 5000 {
		log.Warningf("string load: got %d bytes, wanted 5000", len(r))
		return subcommands.ExitFailure
	}

	m.FreeVirtual(base, 64*guestarch.PageSize)

	stat := m.MemStat()
	fmt.Printf("allocated:  %d\n", stat.Allocated)
	fmt.Printf("reclaimed:  %d\n", stat.Reclaimed)
	fmt.Printf("committed:  %d\n", stat.Committed)
	fmt.Printf("freed:      %d\n", stat.Freed)
	fmt.Printf("reserved:   %d\n", stat.Reserved)
	fmt.Printf("pagetables: %d\n", stat.PageTables)
	fmt.Printf("resizes:    %d\n", stat.Resizes)
	if stat.Allocated+stat.Reclaimed != stat.Committed+stat.Freed {
		log.Warningf("frame accounting does not balance")
		return subcommands.ExitFailure
	}
	fmt.Println("ok")
	return subcommands.ExitSuccess
}
