package experiment

import (
	"crypto/md5" //nolint:gosec // 仅用于分桶，不涉及安全
	"encoding/binary"
)

// BucketCount 桶的数量，桶编号范围为 [0, BucketCount)
const BucketCount = 100

const bucketSeparator = ":"

// Bucketer 将 (受试者, 实验名) 映射到固定桶
type Bucketer func(subjectID, experimentName string) int

// Bucket 计算受试者在实验中的桶编号。
// 取 MD5(subjectID + ":" + experimentName) 的低 32 位（摘要末 4 字节，大端）对 100 取模。
// 实验名参与摘要，同一受试者在不同实验中的分桶互不相关。
func Bucket(subjectID, experimentName string) int {
	sum := md5.Sum([]byte(subjectID + bucketSeparator + experimentName)) //nolint:gosec
	return int(binary.BigEndian.Uint32(sum[12:]) % BucketCount)
}
