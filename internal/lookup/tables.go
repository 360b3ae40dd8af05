package lookup

// Keys are lowercase; lookups normalize their input first.

var rankNames = map[string]string{
	"unranked":      "未定级",
	"rookie":        "菜鸟",
	"bronze":        "青铜",
	"silver":        "白银",
	"gold":          "黄金",
	"platinum":      "白金",
	"diamond":       "钻石",
	"master":        "大师",
	"apex predator": "猎杀者",
}

var legendNames = map[string]string{
	"alter":      "变幻",
	"ash":        "艾许",
	"ballistic":  "弹道",
	"bangalore":  "班加罗尔",
	"bloodhound": "寻血猎犬",
	"catalyst":   "卡特莉丝",
	"caustic":    "侵蚀",
	"conduit":    "导线管",
	"crypto":     "密客",
	"fuse":       "暴雷",
	"gibraltar":  "直布罗陀",
	"horizon":    "地平线",
	"lifeline":   "命脉",
	"loba":       "罗芭",
	"mad maggie": "疯玛吉",
	"mirage":     "幻象",
	"newcastle":  "纽卡斯尔",
	"octane":     "动力小子",
	"pathfinder": "探路者",
	"rampart":    "兰伯特",
	"revenant":   "亡灵",
	"seer":       "希尔",
	"sparrow":    "斯派罗",
	"valkyrie":   "瓦尔基里",
	"vantage":    "万蒂奇",
	"wattson":    "沃特森",
	"wraith":     "恶灵",
}

var stateNames = map[string]string{
	"offline":  "离线",
	"online":   "在线",
	"in lobby": "在大厅",
	"in match": "比赛中",
	"in game":  "游戏中",
	"in party": "组队中",
}

// legendTiers is the current ranked pick-rate tier of each legend.
var legendTiers = map[string]string{
	"alter":      "A",
	"ash":        "S",
	"ballistic":  "B",
	"bangalore":  "A",
	"bloodhound": "S",
	"catalyst":   "B",
	"caustic":    "B",
	"conduit":    "A",
	"crypto":     "C",
	"fuse":       "B",
	"gibraltar":  "A",
	"horizon":    "S",
	"lifeline":   "B",
	"loba":       "C",
	"mad maggie": "B",
	"mirage":     "C",
	"newcastle":  "A",
	"octane":     "A",
	"pathfinder": "S",
	"rampart":    "C",
	"revenant":   "B",
	"seer":       "A",
	"sparrow":    "A",
	"valkyrie":   "S",
	"vantage":    "C",
	"wattson":    "B",
	"wraith":     "S",
}
