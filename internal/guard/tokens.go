package guard

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"synergetic-monitor/internal/config"
	"synergetic-monitor/internal/protocol"
)

// Tokens 各身份类别允许的令牌，未配置文件的类别接受任意令牌
type Tokens struct {
	sets map[protocol.Category]map[string]struct{}
}

// LoadTokens 从令牌文件加载，每行一个令牌，空行和 # 开头的行被忽略
func LoadTokens(cfg config.TokensConfig) (*Tokens, error) {
	t := &Tokens{sets: make(map[protocol.Category]map[string]struct{})}

	files := map[protocol.Category]string{
		protocol.CategoryClient: cfg.Client,
		protocol.CategoryServer: cfg.Server,
		protocol.CategoryAdmin:  cfg.Admin,
	}
	for category, path := range files {
		if path == "" {
			continue
		}
		set, err := readTokenFile(path)
		if err != nil {
			return nil, fmt.Errorf("加载 %s 令牌文件失败: %w", category, err)
		}
		t.sets[category] = set
	}

	return t, nil
}

// NewTokens 由内存中的令牌列表构造
func NewTokens(tokens map[protocol.Category][]string) *Tokens {
	t := &Tokens{sets: make(map[protocol.Category]map[string]struct{})}
	for category, list := range tokens {
		set := make(map[string]struct{}, len(list))
		for _, token := range list {
			set[token] = struct{}{}
		}
		t.sets[category] = set
	}
	return t
}

func readTokenFile(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = struct{}{}
	}
	return set, scanner.Err()
}

// Check 令牌是否被允许以该类别出示身份
func (t *Tokens) Check(category protocol.Category, token string) bool {
	if t == nil {
		return true
	}
	set, ok := t.sets[category]
	if !ok {
		return true
	}
	_, ok = set[token]
	return ok
}

// Count 已加载的令牌数量
func (t *Tokens) Count() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, set := range t.sets {
		n += len(set)
	}
	return n
}
