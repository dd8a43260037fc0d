package model

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/cloudreve/davcore/pkg/util"
	"github.com/jinzhu/gorm"
)

// DavAccount WebDAV 账户
type DavAccount struct {
	gorm.Model
	Name     string `gorm:"unique_index:idx_dav_name"` // 登录名
	Password string // salt:sha1(password+salt)
	Root     string `gorm:"type:text"` // 根目录
	Readonly bool   `gorm:"type:bool"` // 是否只读
}

// AccountClient reads and writes DAV accounts.
type AccountClient interface {
	GetByName(ctx context.Context, name string) (*DavAccount, error)
	Create(ctx context.Context, account *DavAccount) error
	List(ctx context.Context) ([]DavAccount, error)
	Delete(ctx context.Context, name string) error
}

func NewAccountClient(db *gorm.DB) AccountClient {
	return &accountClient{db: db}
}

type accountClient struct {
	db *gorm.DB
}

// GetByName 根据登录名查找账户
func (c *accountClient) GetByName(ctx context.Context, name string) (*DavAccount, error) {
	account := &DavAccount{}
	res := c.db.Where("name = ?", name).First(account)
	return account, res.Error
}

// Create 创建账户
func (c *accountClient) Create(ctx context.Context, account *DavAccount) error {
	return c.db.Create(account).Error
}

// List 列出所有账户
func (c *accountClient) List(ctx context.Context) ([]DavAccount, error) {
	var accounts []DavAccount
	res := c.db.Order("name asc").Find(&accounts)
	return accounts, res.Error
}

// Delete 根据登录名删除账户
func (c *accountClient) Delete(ctx context.Context, name string) error {
	res := c.db.Where("name = ?", name).Delete(&DavAccount{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CheckPassword 根据明文校验密码
func (account *DavAccount) CheckPassword(password string) (bool, error) {
	// 根据存储密码拆分为 Salt 和 Digest
	passwordStore := strings.Split(account.Password, ":")
	if len(passwordStore) != 2 {
		return false, errors.New("unknown password type")
	}

	//计算 Salt 和密码组合的SHA1摘要
	hash := sha1.New()
	_, err := hash.Write([]byte(password + passwordStore[0]))
	bs := hex.EncodeToString(hash.Sum(nil))
	if err != nil {
		return false, err
	}

	return bs == passwordStore[1], nil
}

// SetPassword 根据给定明文设定 Password 字段
func (account *DavAccount) SetPassword(password string) error {
	//生成16位 Salt
	salt := util.RandStringRunes(16)

	//计算 Salt 和密码组合的SHA1摘要
	hash := sha1.New()
	_, err := hash.Write([]byte(password + salt))
	bs := hex.EncodeToString(hash.Sum(nil))

	if err != nil {
		return err
	}

	//存储 Salt 值和摘要， ":"分割
	account.Password = salt + ":" + bs
	return nil
}
