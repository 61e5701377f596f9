package platform

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
)

//go:embed assets/*.yaml
var builtinAssets embed.FS

// ErrUnknownPlatform 注册表中不存在该平台
var ErrUnknownPlatform = errors.New("unknown platform")

// Registry 已校验平台定义的只读集合，按 platform-type 索引。
// 创建后不再修改，可被多个会话并发读取。
type Registry struct {
	defs    map[string]*Definition
	sources map[string][]byte // 原始文档，按需解析变体
}

// NewRegistry 用给定的定义构建注册表，未校验的定义会先校验，同名定义后者覆盖前者
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs)), sources: map[string][]byte{}}
	for _, def := range defs {
		if def == nil {
			continue
		}
		if !def.Validated() {
			if err := def.Validate(); err != nil {
				return nil, err
			}
		}
		r.defs[def.PlatformType] = def
	}
	return r, nil
}

// NewBuiltinRegistry 加载内置的平台定义
func NewBuiltinRegistry() (*Registry, error) {
	entries, err := builtinAssets.ReadDir("assets")
	if err != nil {
		return nil, fmt.Errorf("read builtin platforms: %w", err)
	}

	docs := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		b, err := builtinAssets.ReadFile(path.Join("assets", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read builtin platform %s: %w", entry.Name(), err)
		}
		docs = append(docs, b)
	}
	return (&Registry{}).WithDocuments(docs...)
}

// WithDocuments 解析并叠加平台定义文档，保留原文用于 Variant
func (r *Registry) WithDocuments(docs ...[]byte) (*Registry, error) {
	defs := make([]*Definition, 0, len(docs))
	sources := make(map[string][]byte, len(docs))
	for _, b := range docs {
		def, err := Parse(b, "")
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
		sources[def.PlatformType] = b
	}
	out, err := r.With(defs...)
	if err != nil {
		return nil, err
	}
	for name, b := range sources {
		out.sources[name] = b
	}
	return out, nil
}

// WithFiles 从文件加载额外的平台定义，同名时覆盖内置定义
func (r *Registry) WithFiles(paths ...string) (*Registry, error) {
	docs := make([][]byte, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read platform definition %s: %w", p, err)
		}
		docs = append(docs, b)
	}
	out, err := r.WithDocuments(docs...)
	if err != nil {
		return nil, fmt.Errorf("load platform files: %w", err)
	}
	return out, nil
}

// Variant 返回合并了变体的定义，variant 为空时等同于 Get。每次调用都重新解析，结果不缓存。
func (r *Registry) Variant(name, variant string) (*Definition, error) {
	if variant == "" {
		return r.Get(name)
	}
	b, ok := r.sources[name]
	if !ok {
		if _, known := r.defs[name]; known {
			return nil, fmt.Errorf("%w: %s has no source document for variant %q", ErrUnknownPlatform, name, variant)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
	}
	return Parse(b, variant)
}

// Get 按名称取平台定义
func (r *Registry) Get(name string) (*Definition, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
	}
	return def, nil
}

// Names 返回排序后的平台名称
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// With 返回叠加了额外定义的新注册表，原注册表不变。被覆盖的平台不再保留原文。
func (r *Registry) With(defs ...*Definition) (*Registry, error) {
	merged := make([]*Definition, 0, len(r.defs)+len(defs))
	for _, name := range r.Names() {
		merged = append(merged, r.defs[name])
	}
	out, err := NewRegistry(append(merged, defs...)...)
	if err != nil {
		return nil, err
	}
	for name, b := range r.sources {
		out.sources[name] = b
	}
	for _, def := range defs {
		if def != nil {
			delete(out.sources, def.PlatformType)
		}
	}
	return out, nil
}
