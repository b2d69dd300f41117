package stream

import (
	"fmt"
	"strings"
)

// 预设只是模式集合
var (
	Default    = []Mode{ModeValues, ModeUpdates, ModeMessages}
	Verbose    = []Mode{ModeValues, ModeUpdates, ModeMessages, ModeCustom, ModeTasks, ModeCheckpoints}
	Debug      = AllModes()
	Production = []Mode{ModeUpdates, ModeMessages}
	Tokens     = []Mode{ModeMessages}
)

// Preset 按名称返回模式集合的副本
func Preset(name string) ([]Mode, error) {
	var modes []Mode
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		modes = Default
	case "verbose":
		modes = Verbose
	case "debug":
		modes = Debug
	case "production":
		modes = Production
	case "tokens":
		modes = Tokens
	default:
		return nil, fmt.Errorf("unknown stream preset %q", name)
	}
	out := make([]Mode, len(modes))
	copy(out, modes)
	return out, nil
}
