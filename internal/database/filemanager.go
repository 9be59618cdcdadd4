package database

// maxRecentItems bounds the per-host recent list; oldest entries are pruned.
const maxRecentItems = 20

// RecordRecent upserts a "recent" entry for a path and prunes the list to
// the newest maxRecentItems per user+host.
func RecordRecent(userID, hostID uint, name, path string) error {
	// Refresh an existing entry rather than duplicating it.
	DB.Where("user_id = ? AND host_id = ? AND kind = ? AND path = ?", userID, hostID, "recent", path).
		Delete(&FileManagerItem{})

	item := &FileManagerItem{UserID: userID, HostID: hostID, Name: name, Path: path, Kind: "recent"}
	if err := DB.Create(item).Error; err != nil {
		return err
	}

	var ids []uint
	DB.Model(&FileManagerItem{}).
		Where("user_id = ? AND host_id = ? AND kind = ?", userID, hostID, "recent").
		Order("id DESC").Offset(maxRecentItems).Pluck("id", &ids)
	if len(ids) > 0 {
		return DB.Delete(&FileManagerItem{}, ids).Error
	}
	return nil
}

// AddFileManagerItem creates a pinned or shortcut entry.
func AddFileManagerItem(item *FileManagerItem) error {
	return DB.Create(item).Error
}

// ListFileManagerItems returns entries of one kind for a user+host.
func ListFileManagerItems(userID, hostID uint, kind string) ([]FileManagerItem, error) {
	var items []FileManagerItem
	err := DB.Where("user_id = ? AND host_id = ? AND kind = ?", userID, hostID, kind).
		Order("id DESC").Find(&items).Error
	return items, err
}

// RemoveFileManagerItem deletes an entry by path and kind.
func RemoveFileManagerItem(userID, hostID uint, kind, path string) error {
	return DB.Where("user_id = ? AND host_id = ? AND kind = ? AND path = ?", userID, hostID, kind, path).
		Delete(&FileManagerItem{}).Error
}
