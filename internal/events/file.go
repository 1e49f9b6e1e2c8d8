package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"minter/pkg/models"

	"github.com/sirupsen/logrus"
)

// FilePublisher 按事件类型输出JSON Lines文件
type FilePublisher struct {
	outputDir string
	timestamp string
	logger    *logrus.Logger

	mu    sync.Mutex
	files map[models.EventKind]*os.File
}

// NewFilePublisher 创建文件发布器，每种事件一个文件，在首次写入时创建
func NewFilePublisher(outputDir string, logger *logrus.Logger) (*FilePublisher, error) {
	if outputDir == "" {
		outputDir = "./outputs"
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	return &FilePublisher{
		outputDir: outputDir,
		timestamp: time.Now().Format("20060102_150405"),
		logger:    logger,
		files:     make(map[models.EventKind]*os.File),
	}, nil
}

// Path 返回某类事件的输出文件路径
func (p *FilePublisher) Path(kind models.EventKind) string {
	return filepath.Join(p.outputDir, fmt.Sprintf("%s_%s.json", kind, p.timestamp))
}

// Publish 写入一行事件并刷新到磁盘
func (p *FilePublisher) Publish(event *models.Event) error {
	if event == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()

	file, err := p.fileFor(event.Kind)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("写入事件文件失败: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("刷新事件文件失败: %w", err)
	}
	return nil
}

func (p *FilePublisher) fileFor(kind models.EventKind) (*os.File, error) {
	if file, ok := p.files[kind]; ok {
		return file, nil
	}
	file, err := os.OpenFile(p.Path(kind), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("创建%s事件文件失败: %w", kind, err)
	}
	p.files[kind] = file
	p.logger.Debugf("已创建事件文件: %s", file.Name())
	return file, nil
}

// Close 关闭所有文件
func (p *FilePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for kind, file := range p.files {
		if err := file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭%s事件文件失败: %w", kind, err))
		}
		delete(p.files, kind)
	}

	if len(errs) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errs)
	}
	return nil
}
