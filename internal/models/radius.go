package models

// RadCheck — строка FreeRADIUS radcheck. На (username, attribute) допускается одна строка,
// уникальность обеспечивает путь записи (delete+insert), а не индекс: дубликаты должны чиниться.
type RadCheck struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Username  string `gorm:"size:64;not null;index:idx_radcheck_user_attr,priority:1" json:"username"`
	Attribute string `gorm:"size:64;not null;index:idx_radcheck_user_attr,priority:2" json:"attribute"`
	Op        string `gorm:"size:2;not null" json:"op"`
	Value     string `gorm:"size:253;not null" json:"value"`
}

func (RadCheck) TableName() string { return "radcheck" }
