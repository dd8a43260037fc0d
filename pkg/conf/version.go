package conf

// BackendVersion 当前后端版本号
const BackendVersion = "1.2.0"

// LastCommit 最后commit id
const LastCommit = "a3f4c1e"
