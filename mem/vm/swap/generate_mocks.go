//go:generate mockgen -destination=mock_blockdev_test.go -package=swap -write_package_comment=false github.com/sarchlab/vmsim/mem/vm/blockdev Device

package swap
