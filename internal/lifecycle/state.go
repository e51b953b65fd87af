package lifecycle

import (
	"errors"
	"fmt"
)

// State 描述一个 app-shell 版本在生命周期中的位置。
type State int

const (
	StateInstalling State = iota
	StateWaiting
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Version 是一次部署：版本 token 加上安装阶段必须预缓存的路径清单。
type Version struct {
	Token    string
	Manifest []string
}

var (
	// ErrNoWaitingVersion 表示收到 ACTIVATE_NOW 时没有处于 Waiting 的版本。
	ErrNoWaitingVersion = errors.New("no waiting version")
	// ErrInvalidVersion 表示版本 token 为空或无法作为 store 名称的一部分。
	ErrInvalidVersion = errors.New("invalid version token")
	// ErrInstallInProgress 表示同一版本已经在安装中。
	ErrInstallInProgress = errors.New("install already in progress")
)

// PrecacheError 描述安装阶段失败的清单路径。
type PrecacheError struct {
	Path string
	Err  error
}

func (e *PrecacheError) Error() string {
	return fmt.Sprintf("precache %s: %v", e.Path, e.Err)
}

func (e *PrecacheError) Unwrap() error {
	return e.Err
}
