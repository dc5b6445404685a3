package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kelseyhightower/envconfig"
)

// Paths 定义了应用所有的关键路径
type Paths struct {
	HomeDir    string // 主目录
	ConfigFile string // config.yaml (用户配置)
	StateFile  string // state.json (连接状态，守护进程独占写入)
	LogFile    string // akon.log
	SocketFile string // ipc.sock
	LockFile   string // akon.lock
}

// Overrides are read from AKON_* environment variables.
// No envconfig tags here: a tagged field also falls back to the unprefixed
// name, and a bare $HOME must never be taken for AKON_HOME.
type Overrides struct {
	Home     string
	Config   string
	LogLevel string `split_words:"true"`
}

var (
	current Paths
	once    sync.Once
)

var (
	// 这个变量是给 ldflags 注入用的
	// 默认为空，如果有注入，它就会变成 "/var/lib/akon" 之类的值
	DefaultHome string
)

// Get 获取全局路径配置
func Get() Paths {
	return current
}

// LoadOverrides parses the AKON_* environment.
func LoadOverrides() (Overrides, error) {
	var o Overrides
	if err := envconfig.Process("akon", &o); err != nil {
		return o, fmt.Errorf("env: %w", err)
	}
	return o, nil
}

// Init 初始化环境
// flagHome: 命令行传入的 --home 参数，为空则自动探测
func Init(flagHome string) error {
	var err error
	once.Do(func() {
		var overrides Overrides
		overrides, err = LoadOverrides()
		if err != nil {
			return
		}

		home := ""
		switch {
		case flagHome != "":
			// 1. 最高优先级：命令行 Flag (--home)
			home = flagHome
		case overrides.Home != "":
			// 2. 环境变量 AKON_HOME
			home = overrides.Home
		case DefaultHome != "":
			// 3. 构建时注入的默认值 (ldflags)
			home = DefaultHome
		default:
			// 4. 兜底：~/.config/akon
			userHome, _ := os.UserHomeDir()
			home = filepath.Join(userHome, ".config", "akon")
		}

		home, err = filepath.Abs(home)
		if err != nil {
			return
		}

		// state/socket 只允许当前用户访问
		if err = os.MkdirAll(home, 0700); err != nil {
			return
		}

		configFile := filepath.Join(home, "config.yaml")
		if overrides.Config != "" {
			configFile = overrides.Config
		}

		current = Paths{
			HomeDir:    home,
			ConfigFile: configFile,
			StateFile:  filepath.Join(home, "state.json"),
			LogFile:    filepath.Join(home, "akon.log"),
			SocketFile: filepath.Join(home, "ipc.sock"),
			LockFile:   filepath.Join(home, "akon.lock"),
		}
	})
	return err
}
