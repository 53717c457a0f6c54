package zookeeper

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-zookeeper/zk"
)

const lockRoot = "/turnstile/locks"

// ErrNotAcquired 表示锁当前被别的实例持有。调用方（清扫器）
// 收到它就跳过本轮，不需要等待。
var ErrNotAcquired = errors.New("lock held by another instance")

// ResourceLock 是基于临时顺序节点的非阻塞分布式锁。
// 多副本部署时用它保证同一时刻只有一个实例执行后台清扫：
// 创建节点后自己是最小序号则持锁，否则立即放弃。
// 持锁实例崩溃时临时节点随会话消失，锁自动释放。
type ResourceLock struct {
	conn     *Conn
	path     string
	lockNode string
}

// NewResourceLock 创建某个资源名下的锁实例，并确保父节点链存在。
func NewResourceLock(conn *Conn, resource string) (*ResourceLock, error) {
	path := lockRoot + "/" + resource
	if err := ensurePath(conn, path); err != nil {
		return nil, err
	}
	return &ResourceLock{conn: conn, path: path}, nil
}

// Lock 尝试获取锁。拿不到立即返回 ErrNotAcquired，绝不阻塞。
func (l *ResourceLock) Lock() error {
	node, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create lock node: %w", err)
	}

	children, _, err := l.conn.Children(l.path)
	if err != nil {
		_ = l.conn.Delete(node, -1)
		return fmt.Errorf("failed to list lock nodes: %w", err)
	}
	sort.Strings(children)

	mine := strings.TrimPrefix(node, l.path+"/")
	if len(children) > 0 && mine == children[0] {
		l.lockNode = node
		return nil
	}

	// 不是最小节点：别人持锁，放弃而不是排队等。
	_ = l.conn.Delete(node, -1)
	return ErrNotAcquired
}

// Unlock 释放锁。未持锁时是 no-op。
func (l *ResourceLock) Unlock() error {
	if l.lockNode == "" {
		return nil
	}
	err := l.conn.Delete(l.lockNode, -1)
	l.lockNode = ""
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	return nil
}

// ensurePath 逐级创建持久节点，节点已存在不算错误。
func ensurePath(conn *Conn, path string) error {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	current := ""
	for _, p := range parts {
		current += "/" + p
		exists, _, err := conn.Exists(current)
		if err != nil {
			return fmt.Errorf("failed to check node %s: %w", current, err)
		}
		if exists {
			continue
		}
		if _, err := conn.Create(current, []byte(""), 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("failed to create node %s: %w", current, err)
		}
	}
	return nil
}
