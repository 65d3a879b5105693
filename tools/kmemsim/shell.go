package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/config"
	"github.com/alexeev-prog/KintsugiOS/kernel/kmem"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm/vmm"
	"github.com/google/subcommands"
	"github.com/pkg/errors"
)

// maxPeek is the largest number of bytes the peek command prints.
const maxPeek = 256

var errUsage = errors.New("wrong number of arguments")

// shellCmd implements subcommands.Command for the "shell" command.
type shellCmd struct {
	prompt string
}

// Name implements subcommands.Command.Name.
func (*shellCmd) Name() string {
	return "shell"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*shellCmd) Synopsis() string {
	return "run the memory commands of the kernel shell against a fresh manager"
}

// Usage implements subcommands.Command.Usage.
func (*shellCmd) Usage() string {
	return "shell [-prompt str] < commands\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *shellCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.prompt, "prompt", "kmem> ", "prompt printed before each command")
}

// Execute implements subcommands.Command.Execute.
func (c *shellCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	m, err := boot(args[0].(*config.Config))
	if err != nil {
		exit(err)
	}
	defer m.Close()

	sh := newShell(m, os.Stdout)
	sh.prompt = c.prompt
	if err = sh.run(os.Stdin); err != nil {
		exit(err)
	}
	return subcommands.ExitSuccess
}

type shellCommand struct {
	usage string
	help  string
	run   func(sh *shell, args []string) error
}

// shellCommands is filled in by init because help refers to it.
var shellCommands map[string]shellCommand

func init() {
	shellCommands = map[string]shellCommand{
		"alloc":     {"alloc <bytes>", "allocate heap memory", (*shell).alloc},
		"alloca":    {"alloca <bytes>", "allocate page aligned heap memory", (*shell).allocAligned},
		"free":      {"free <addr>", "release heap memory", (*shell).free},
		"realloc":   {"realloc <addr> <bytes>", "resize a heap allocation", (*shell).realloc},
		"map":       {"map <virt> <phys> [user]", "map a virtual page to a physical frame", (*shell).mapPage},
		"unmap":     {"unmap <virt>", "remove a page mapping", (*shell).unmapPage},
		"translate": {"translate <virt>", "print the physical address of a virtual address", (*shell).translate},
		"page":      {"page <virt>", "print the page table entry of a virtual address", (*shell).page},
		"frame":     {"frame [<phys>]", "allocate a frame or query its state", (*shell).frame},
		"touch":     {"touch <virt> <hex bytes>", "write bytes through the page tables", (*shell).touch},
		"peek":      {"peek <virt> [<count>]", "read bytes through the page tables", (*shell).peek},
		"meminfo":   {"meminfo", "print memory statistics", (*shell).meminfo},
		"kmemdump":  {"kmemdump", "print the heap block list", (*shell).kmemdump},
		"pagedump":  {"pagedump", "print the page directory", (*shell).pagedump},
		"help":      {"help", "list commands", (*shell).help},
	}
}

// shell interprets the memory commands of the kernel shell.
type shell struct {
	m      *kmem.Manager
	out    io.Writer
	prompt string
}

func newShell(m *kmem.Manager, out io.Writer) *shell {
	return &shell{m: m, out: out}
}

// run executes one command per input line until EOF or until the manager
// halts. Command errors are printed and do not stop the shell.
func (sh *shell) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(sh.out, sh.prompt)
		if !scanner.Scan() {
			break
		}

		sh.exec(scanner.Text())
		if sh.m.Halted() {
			fmt.Fprintln(sh.out, "system halted")
			break
		}
	}
	return scanner.Err()
}

func (sh *shell) exec(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return
	}

	cmd, ok := shellCommands[fields[0]]
	if !ok {
		fmt.Fprintf(sh.out, "unknown command %q; type help for a list\n", fields[0])
		return
	}

	if err := cmd.run(sh, fields[1:]); err != nil {
		if err == errUsage {
			fmt.Fprintf(sh.out, "usage: %s\n", cmd.usage)
			return
		}
		fmt.Fprintf(sh.out, "%s: %s\n", fields[0], err)
	}
}

func parseAddr(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "bad address %q", s)
	}
	return uintptr(v), nil
}

func parseSize(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "bad size %q", s)
	}
	return uintptr(v), nil
}

// asError avoids returning a non-nil error interface holding a nil
// *kernel.Error.
func asError(err *kernel.Error) error {
	if err == nil {
		return nil
	}
	return err
}

func (sh *shell) alloc(args []string) error {
	return sh.allocWith(args, sh.m.Kmalloc)
}

func (sh *shell) allocAligned(args []string) error {
	return sh.allocWith(args, sh.m.KmallocA)
}

func (sh *shell) allocWith(args []string, fn func(uintptr) (uintptr, *kernel.Error)) error {
	if len(args) != 1 {
		return errUsage
	}
	size, err := parseSize(args[0])
	if err != nil {
		return err
	}

	ptr, kerr := fn(size)
	if kerr != nil {
		return kerr
	}
	fmt.Fprintf(sh.out, "Allocate %d bytes.\nPointer: 0x%x\n", size, ptr)
	return nil
}

func (sh *shell) free(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	ptr, err := parseAddr(args[0])
	if err != nil {
		return err
	}

	if err = asError(sh.m.Kfree(ptr)); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Freed memory at 0x%x\n", ptr)
	return nil
}

func (sh *shell) realloc(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	ptr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	size, err := parseSize(args[1])
	if err != nil {
		return err
	}

	newPtr, kerr := sh.m.Krealloc(ptr, size)
	if kerr != nil {
		return kerr
	}
	fmt.Fprintf(sh.out, "Reallocated 0x%x to %d bytes.\nPointer: 0x%x\n", ptr, size, newPtr)
	return nil
}

func (sh *shell) mapPage(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errUsage
	}
	virtAddr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	physAddr, err := parseAddr(args[1])
	if err != nil {
		return err
	}

	flags := vmm.FlagPresent | vmm.FlagRW
	if len(args) == 3 {
		if args[2] != "user" {
			return errUsage
		}
		flags |= vmm.FlagUserAccessible
	}

	if err = asError(sh.m.MapPage(virtAddr, physAddr, flags)); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Mapped 0x%08x -> 0x%08x [%s]\n", virtAddr&^0xfff, physAddr&^0xfff, flags)
	return nil
}

func (sh *shell) unmapPage(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	virtAddr, err := parseAddr(args[0])
	if err != nil {
		return err
	}

	if err = asError(sh.m.UnmapPage(virtAddr)); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Unmapped 0x%08x\n", virtAddr&^0xfff)
	return nil
}

func (sh *shell) translate(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	virtAddr, err := parseAddr(args[0])
	if err != nil {
		return err
	}

	if physAddr, ok := sh.m.GetPhysicalAddress(virtAddr); ok {
		fmt.Fprintf(sh.out, "0x%08x -> 0x%08x\n", virtAddr, physAddr)
	} else {
		fmt.Fprintf(sh.out, "0x%08x is not mapped\n", virtAddr)
	}
	return nil
}

func (sh *shell) page(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	virtAddr, err := parseAddr(args[0])
	if err != nil {
		return err
	}

	pte, kerr := sh.m.GetPage(virtAddr, false, nil)
	switch {
	case kerr != nil:
		return kerr
	case pte == nil:
		fmt.Fprintf(sh.out, "no page table for 0x%08x\n", virtAddr)
	default:
		fmt.Fprintf(sh.out, "PTE = %08x [%s] frame 0x%x present=%t\n", uint32(*pte), pte.Flags(), uint32(pte.Frame()), pte.Present())
	}
	return nil
}

func (sh *shell) frame(args []string) error {
	switch len(args) {
	case 0:
		physAddr, kerr := sh.m.AllocFrame()
		if kerr != nil {
			return kerr
		}
		fmt.Fprintf(sh.out, "Allocated frame at 0x%08x\n", physAddr)
	case 1:
		physAddr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		state := "free"
		if sh.m.TestFrame(physAddr) {
			state = "used"
		}
		fmt.Fprintf(sh.out, "Frame 0x%08x is %s\n", physAddr&^0xfff, state)
	default:
		return errUsage
	}
	return nil
}

func (sh *shell) touch(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	virtAddr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(args[1])
	if err != nil {
		return errors.Wrap(err, "bad data")
	}

	if err = asError(sh.m.WriteVirtual(virtAddr, data)); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Wrote %d bytes at 0x%08x\n", len(data), virtAddr)
	return nil
}

func (sh *shell) peek(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	virtAddr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	count := uintptr(16)
	if len(args) == 2 {
		if count, err = parseSize(args[1]); err != nil {
			return err
		}
	}

	buf := make([]byte, min(count, maxPeek))
	if err = asError(sh.m.ReadVirtual(virtAddr, buf)); err != nil {
		return err
	}
	fmt.Fprint(sh.out, hex.Dump(buf))
	return nil
}

func (sh *shell) meminfo([]string) error {
	info, kerr := sh.m.MemInfo()
	if kerr != nil {
		return kerr
	}
	fmt.Fprint(sh.out, info.String())
	return nil
}

func (sh *shell) kmemdump([]string) error {
	return asError(sh.m.MemDump(sh.out))
}

func (sh *shell) pagedump([]string) error {
	return asError(sh.m.DumpPageTables(sh.out))
}

func (sh *shell) help([]string) error {
	names := make([]string, 0, len(shellCommands))
	for name := range shellCommands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cmd := shellCommands[name]
		fmt.Fprintf(sh.out, "%-26s %s\n", cmd.usage, cmd.help)
	}
	return nil
}
