package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI 把迁移结果格式化输出到终端，供 cleo migrate 子命令使用
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI 创建 CLI，默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput 设置输出
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// Run 按子命令名执行：up, down, reset, steps, goto, force, version, status
func (c *CLI) Run(ctx context.Context, cmd string, n int) error {
	switch cmd {
	case "up":
		return c.RunUp(ctx)
	case "down":
		return c.RunSteps(ctx, -1)
	case "reset":
		return c.RunReset(ctx)
	case "steps":
		return c.RunSteps(ctx, n)
	case "goto":
		if n < 0 {
			return fmt.Errorf("goto version must not be negative")
		}
		return c.RunGoto(ctx, uint(n))
	case "force":
		return c.RunForce(ctx, n)
	case "version":
		return c.RunVersion(ctx)
	case "status", "":
		return c.RunStatus(ctx)
	default:
		return fmt.Errorf("unknown migrate command %q", cmd)
	}
}

// RunUp 执行所有未应用的迁移
func (c *CLI) RunUp(ctx context.Context) error {
	fmt.Fprintln(c.output, "Running migrations...")
	if err := c.migrator.Up(ctx); err != nil {
		return err
	}
	return c.printVersion(ctx, "Migrations complete")
}

// RunSteps 前进或回滚 n 步
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	if n == 0 {
		return fmt.Errorf("steps must not be zero")
	}
	if n > 0 {
		fmt.Fprintf(c.output, "Applying %d migration(s)...\n", n)
	} else {
		fmt.Fprintf(c.output, "Rolling back %d migration(s)...\n", -n)
	}
	if err := c.migrator.Steps(ctx, n); err != nil {
		return err
	}
	return c.printVersion(ctx, "Complete")
}

// RunReset 回滚全部迁移
func (c *CLI) RunReset(ctx context.Context) error {
	fmt.Fprintln(c.output, "Rolling back all migrations...")
	if err := c.migrator.DownAll(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.output, "All migrations rolled back.")
	return nil
}

// RunGoto 迁移到指定版本
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	fmt.Fprintf(c.output, "Migrating to version %d...\n", version)
	if err := c.migrator.Goto(ctx, version); err != nil {
		return err
	}
	return c.printVersion(ctx, "Complete")
}

// RunForce 强制设置版本
func (c *CLI) RunForce(ctx context.Context, version int) error {
	if err := c.migrator.Force(ctx, version); err != nil {
		return err
	}
	fmt.Fprintf(c.output, "Version forced to %d\n", version)
	return nil
}

// RunVersion 输出当前版本
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Fprintln(c.output, "No migrations applied yet.")
		return nil
	}
	fmt.Fprintf(c.output, "Current version: %d", version)
	if dirty {
		fmt.Fprint(c.output, " (dirty)")
	}
	fmt.Fprintln(c.output)
	return nil
}

// RunStatus 输出所有迁移的状态表
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	applied := 0
	for _, s := range statuses {
		status := "pending"
		switch {
		case s.Dirty:
			status = "dirty"
		case s.Applied:
			status = "applied"
			applied++
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.output, "\nTotal: %d, Applied: %d, Pending: %d\n",
		len(statuses), applied, len(statuses)-applied)
	return nil
}

func (c *CLI) printVersion(ctx context.Context, prefix string) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "%s. Current version: %d\n", prefix, info.CurrentVersion)
	return nil
}
