package registry

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile 是 agent 种子文件的顶层结构。
type SeedFile struct {
	Agents []Agent `yaml:"agents"`
}

// ReadSeed 解析 YAML 格式的种子数据。
func ReadSeed(r io.Reader) ([]Agent, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var seed SeedFile
	if err := decoder.Decode(&seed); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("解析 agent 种子失败: %w", err)
	}
	return seed.Agents, nil
}

// LoadSeedFile 读取种子文件并逐个注册，遇到第一个错误即停止。
func (r *Registry) LoadSeedFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("读取 agent 种子文件失败: %w", err)
	}
	return r.LoadSeed(bytes.NewReader(content))
}

// LoadSeed 从 reader 中读取 agent 并注册。
func (r *Registry) LoadSeed(reader io.Reader) (int, error) {
	agents, err := ReadSeed(reader)
	if err != nil {
		return 0, err
	}
	for i, agent := range agents {
		if err := r.Register(agent); err != nil {
			return i, fmt.Errorf("注册第 %d 个 agent 失败: %w", i+1, err)
		}
	}
	return len(agents), nil
}
