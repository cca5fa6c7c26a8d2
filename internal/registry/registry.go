package registry

import (
	"sort"
	"strings"
	"sync"

	"backd/internal/errors"
)

// Registry 名称到构造器的映射，名称不区分大小写。
// 进程启动时填充，之后只读。
type Registry[T any] struct {
	kind    string
	mu      sync.RWMutex
	entries map[string]T
}

// New 创建注册表，kind 用于错误信息
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:    kind,
		entries: make(map[string]T),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register 注册构造器，同名注册会覆盖旧值
func (r *Registry[T]) Register(name string, value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalize(name)] = value
}

// Alias 为已注册的名称增加别名
func (r *Registry[T]) Alias(alias, name string) error {
	value, err := r.Get(name)
	if err != nil {
		return err
	}
	r.Register(alias, value)
	return nil
}

// Get 按名称查找，未注册时返回查找错误
func (r *Registry[T]) Get(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.entries[normalize(name)]
	if !ok {
		var zero T
		return zero, errors.NotFoundf(errors.ErrRegistryLookup, "%s 注册表中没有 %q", r.kind, name).
			WithContext("registry", r.kind).
			WithComponent("registry")
	}
	return value, nil
}

// Has 判断名称是否已注册
func (r *Registry[T]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[normalize(name)]
	return ok
}

// Keys 返回排序后的全部名称
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
