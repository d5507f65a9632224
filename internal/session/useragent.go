package session

import (
	"math/rand"

	"avitohunter/internal/config"
)

// LoadUserAgents 读取 UA 列表文件，文件不存在或为空时返回只含 DefaultUserAgent 的列表。
func LoadUserAgents(path string) []string {
	if path == "" {
		return []string{DefaultUserAgent}
	}
	lines, err := config.ReadLines(path)
	if err != nil || len(lines) == 0 {
		return []string{DefaultUserAgent}
	}
	return lines
}

// PickUserAgent 随机选择一个 UA。
func PickUserAgent(agents []string) string {
	if len(agents) == 0 {
		return DefaultUserAgent
	}
	return agents[rand.Intn(len(agents))]
}
