package validation

import (
	"fmt"
	"strconv"
	"strings"

	"minter/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// Validator 请求参数验证器
type Validator struct {
	logger     *logrus.Logger
	strictMode bool // 严格模式：混合大小写的地址必须通过EIP-55校验
	rules      map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// NewValidator 创建验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:     logger,
		strictMode: strictMode,
		rules:      make(map[string]ValidationRule),
	}

	v.AddRule(&AddressValidationRule{strict: strictMode})
	v.AddRule(&AmountValidationRule{})
	v.AddRule(&DurationValidationRule{Max: maxDurationSeconds})

	return v
}

// AddRule 添加验证规则，同名规则会被替换
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// Rule 按名称获取验证规则
func (v *Validator) Rule(name string) (ValidationRule, bool) {
	rule, ok := v.rules[name]
	return rule, ok
}

// ParseAddress 解析并验证地址
func (v *Validator) ParseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if err := v.rules["address"].Validate(s); err != nil {
		return common.Address{}, withField(err, field)
	}
	return common.HexToAddress(s), nil
}

// ParseAmount 解析十进制或0x前缀的十六进制金额
func (v *Validator) ParseAmount(field, s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if err := v.rules["amount"].Validate(s); err != nil {
		return nil, withField(err, field)
	}
	amount, _ := parseAmount(s)
	return amount, nil
}

// ParseID 解析拍卖或物品ID
func (v *Validator) ParseID(field, s string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.ErrInvalidArgument.Newf("%s 不是有效的ID: %s", field, s).WithContext("field", field)
	}
	return id, nil
}

// ValidateDuration 验证拍卖时长（秒）
func (v *Validator) ValidateDuration(field string, seconds uint64) error {
	if err := v.rules["duration"].Validate(seconds); err != nil {
		return withField(err, field)
	}
	return nil
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.AddRule(&AddressValidationRule{strict: strict})
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}

// GetValidationStats 获取验证器信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	names := make([]string, 0, len(v.rules))
	for name := range v.rules {
		names = append(names, name)
	}
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"rules":            names,
	}
}

func withField(err error, field string) error {
	if le, ok := errors.From(err); ok {
		return le.WithContext("field", field)
	}
	return err
}

// IsValidAddress 判断是否为40位十六进制地址（可带0x前缀）
func IsValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// isChecksummed 混合大小写的地址是否与EIP-55校验和一致；全小写或全大写视为未校验
func isChecksummed(addr string) bool {
	body := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return common.HexToAddress(addr).Hex() == "0x"+body
}

func parseAmount(s string) (*uint256.Int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct {
	strict bool
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "账户地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !IsValidAddress(addr) {
		return errors.ErrInvalidAddress.Newf("地址格式无效: %q", addr)
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return errors.ErrInvalidAddress.New("不能使用零地址")
	}
	if r.strict && !isChecksummed(addr) {
		return errors.ErrInvalidAddress.Newf("地址校验和错误: %s", addr)
	}
	return nil
}

// AmountValidationRule 金额验证规则
type AmountValidationRule struct{}

func (r *AmountValidationRule) Name() string {
	return "amount"
}

func (r *AmountValidationRule) Description() string {
	return "256位无符号金额验证规则"
}

func (r *AmountValidationRule) Validate(data interface{}) error {
	s, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}
	if s == "" {
		return errors.ErrInvalidAmount.New("金额不能为空")
	}
	if _, err := parseAmount(s); err != nil {
		return errors.ErrInvalidAmount.Newf("金额格式无效: %q", s).WithContext("reason", err.Error())
	}
	return nil
}

// 与 auction.MaxDuration 一致，validation 不依赖 auction 包
const maxDurationSeconds = uint64(1<<63-1) / 1_000_000_000

// DurationValidationRule 拍卖时长验证规则
type DurationValidationRule struct {
	Max uint64
}

func (r *DurationValidationRule) Name() string {
	return "duration"
}

func (r *DurationValidationRule) Description() string {
	return "拍卖时长验证规则"
}

func (r *DurationValidationRule) Validate(data interface{}) error {
	seconds, ok := data.(uint64)
	if !ok {
		return fmt.Errorf("数据类型不是uint64")
	}
	if r.Max > 0 && seconds > r.Max {
		return errors.ErrInvalidDuration.Newf("拍卖时长 %d 秒超过上限 %d", seconds, r.Max)
	}
	return nil
}
