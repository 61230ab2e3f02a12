package app

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	CommandServe       Command = "serve"
	CommandWorker      Command = "worker"
	CommandMigrate     Command = "migrate"
	CommandHealthcheck Command = "healthcheck"
	CommandHelp        Command = "help"
)

// commands はサブコマンドと説明の一覧。Usageの表示順を兼ねる。
var commands = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "start the timer API server (default)"},
	{CommandWorker, "run the expired session cleanup loop"},
	{CommandMigrate, "apply pending database migrations"},
	{CommandHealthcheck, "probe the local /health endpoint"},
	{CommandHelp, "show this message"},
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。未知のサブコマンドはエラーになる。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	for _, c := range commands {
		if string(c.cmd) == args[0] {
			return c.cmd, nil
		}
	}
	return "", fmt.Errorf("unknown command %q", args[0])
}

// Usage はサブコマンドの一覧をwに書き出す。
func Usage(w io.Writer) {
	fmt.Fprintln(w, "usage: fasttrack <command>")
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.cmd, c.desc)
	}
	tw.Flush()
}
