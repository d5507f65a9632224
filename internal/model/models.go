package model

import (
	"time"
)

// Listing 表示从列表页提取出的一条候选记录。
//
// 它由提取器生成，过滤管道只做标注（卖家、推广标记）和筛选，存储层不修改它。
type Listing struct {
	ID          int64     // 平台原始 ID，用于去重
	Title       string    // 标题
	Description string    // 描述
	Price       int64     // 价格 (单位: 卢布)
	Location    string    // 地址文本
	URLPath     string    // 详情页路径（相对站点根）
	SellerURL   string    // 卖家主页链接（可能为空）
	SellerID    string    // 卖家标识，由 SellerURL 推导
	Badges      []string  // 卖家购买的增值服务标题
	IsReserved  bool      // 已预订
	IsPromoted  bool      // 推广中
	PublishedAt time.Time // 发布时间，零值表示未知

	// 详情页补充字段，只在开启详情解析时填写
	DetailedDescription string // 详情页完整描述
	EmploymentType      string // 雇佣类型（职位类列表）
	ExperienceLevel     string // 经验要求（职位类列表）
	DetailsParsed       bool   // 是否已解析详情页
}

// Viewed 是已处理记录的去重表。
//
// 只保存 ID，重复插入视为无操作。
type Viewed struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false"` // 记录 ID
	CreatedAt time.Time // 首次入库时间
}

// TableName 固定表名为 viewed。
func (Viewed) TableName() string {
	return "viewed"
}
