package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"medic/pkg/model"
)

// Provider 配置协作方：按角色提供当前配置和最后修改版本
// controller 只在版本前进时重新加载
type Provider interface {
	Version(ctx context.Context, role model.Role) (int64, error)
	Load(ctx context.Context, role model.Role) (*Analysis, error)
}

// FileProvider 从目录读取 yaml：优先 rca_<role>.yaml，否则 rca.yaml
// 版本号为文件 mtime (UnixNano)
type FileProvider struct {
	Dir string
}

// NewFileProvider 构造函数
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{Dir: dir}
}

// Path 返回该角色实际使用的文件
func (p *FileProvider) Path(role model.Role) string {
	if role != model.RoleUnknown {
		specific := filepath.Join(p.Dir, fmt.Sprintf("rca_%s.yaml", role))
		if _, err := os.Stat(specific); err == nil {
			return specific
		}
	}
	return filepath.Join(p.Dir, "rca.yaml")
}

func (p *FileProvider) Version(_ context.Context, role model.Role) (int64, error) {
	info, err := os.Stat(p.Path(role))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}

func (p *FileProvider) Load(ctx context.Context, role model.Role) (*Analysis, error) {
	version, err := p.Version(ctx, role)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.Path(role))
	if err != nil {
		return nil, fmt.Errorf("read analysis config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Version = version
	return cfg, nil
}

// RawStore 以原始字节 + 版本号保存配置的后端 (etcd)
type RawStore interface {
	GetConfig(ctx context.Context, role model.Role) (data []byte, revision int64, err error)
}

// RemoteProvider 从 RawStore 读取；版本号为存储的 revision
type RemoteProvider struct {
	store RawStore
}

// NewRemoteProvider 构造函数
func NewRemoteProvider(s RawStore) *RemoteProvider {
	return &RemoteProvider{store: s}
}

func (p *RemoteProvider) Version(ctx context.Context, role model.Role) (int64, error) {
	_, rev, err := p.store.GetConfig(ctx, role)
	return rev, err
}

func (p *RemoteProvider) Load(ctx context.Context, role model.Role) (*Analysis, error) {
	data, rev, err := p.store.GetConfig(ctx, role)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Version = rev
	return cfg, nil
}

// ReadEnabledFlag 读取启用开关文件，内容为 true/false/1/0
func ReadEnabledFlag(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(strings.TrimSpace(string(data)))
	if err != nil {
		return false, fmt.Errorf("parse enabled flag %s: %w", path, err)
	}
	return v, nil
}

// WriteEnabledFlag 写入启用开关
func WriteEnabledFlag(path string, enabled bool) error {
	return os.WriteFile(path, []byte(strconv.FormatBool(enabled)+"\n"), 0o644)
}
