// Package secret 为提权认证提供口令，例如 enable secret、root 口令。
package secret

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// ErrNotFound 没有为该级别配置口令
var ErrNotFound = errors.New("secret not found")

// Wildcard Static 中匹配任意级别的键
const Wildcard = "*"

// Provider 按特权级别名返回认证口令
type Provider interface {
	GetAuthSecret(ctx context.Context, level string) ([]byte, error)
}

// Static 内存中的口令表，先按级别名查找，再查 Wildcard
type Static map[string]string

func (s Static) GetAuthSecret(_ context.Context, level string) ([]byte, error) {
	if v, ok := s[level]; ok {
		return []byte(v), nil
	}
	if v, ok := s[Wildcard]; ok {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("%w: level %s", ErrNotFound, level)
}

// Keyring 从系统密钥环读取口令，条目为 service / <user>:<level>
type Keyring struct {
	Service string
	User    string
}

// Key 返回级别对应的密钥环账户名
func (k *Keyring) Key(level string) string {
	if k.User == "" {
		return level
	}
	return k.User + ":" + level
}

func (k *Keyring) GetAuthSecret(ctx context.Context, level string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := keyring.Get(k.Service, k.Key(level))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("%w: keyring %s/%s", ErrNotFound, k.Service, k.Key(level))
		}
		return nil, fmt.Errorf("read keyring %s: %w", k.Service, err)
	}
	return []byte(v), nil
}

// Chain 依次询问多个 Provider，跳过 ErrNotFound，其他错误直接返回
type Chain []Provider

func (c Chain) GetAuthSecret(ctx context.Context, level string) ([]byte, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		v, err := p.GetAuthSecret(ctx, level)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: level %s", ErrNotFound, level)
}
